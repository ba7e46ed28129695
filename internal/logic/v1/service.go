package v1

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/duynhne/session-store/internal/core/domain"
	"github.com/duynhne/session-store/internal/logger"
	"github.com/duynhne/session-store/middleware"
)

// DestroyOptions controls what DestroySession leaves behind.
type DestroyOptions struct {
	// Drop ends the session without issuing a replacement identifier.
	// It takes precedence over Renew.
	Drop bool
	// Renew stores the destroyed payload under a new identifier.
	Renew bool
}

// SessionService orchestrates a request's session lifecycle: resolve,
// write back, destroy and renew. Identifiers it receives are untrusted
// client input; identifiers it returns are public ids only.
type SessionService struct {
	store *RecordStore
	ids   *domain.IDDeriver
}

// NewSessionService creates a new SessionService.
func NewSessionService(store *RecordStore, ids *domain.IDDeriver) *SessionService {
	return &SessionService{store: store, ids: ids}
}

// LookupSession resolves incoming without minting anything. found is false
// when the id is absent, malformed or unknown.
func (s *SessionService) LookupSession(ctx context.Context, incoming string) (id domain.SessionID, payload map[string]any, found bool, err error) {
	ctx, span := middleware.StartSpan(ctx, "session.lookup", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.Bool("session.presented", incoming != ""),
	))
	defer span.End()

	id, rec, err := s.resolve(ctx, incoming)
	if err != nil {
		span.RecordError(err)
		return domain.SessionID{}, nil, false, err
	}
	if rec == nil {
		span.SetAttributes(attribute.Bool("session.found", false))
		return domain.SessionID{}, nil, false, nil
	}

	payload, err = decode(rec)
	if err != nil {
		span.RecordError(err)
		logger.FromContext(ctx).Error().Err(err).Msg("Stored session could not be decoded")
		return domain.SessionID{}, nil, false, err
	}
	span.SetAttributes(attribute.Bool("session.found", true))
	return id, payload, true, nil
}

// GetSession returns the session for incoming. Unknown or malformed ids get a
// fresh identifier and an empty payload; nothing is stored until a write.
func (s *SessionService) GetSession(ctx context.Context, incoming string) (domain.SessionID, map[string]any, error) {
	id, payload, found, err := s.LookupSession(ctx, incoming)
	if err != nil {
		return domain.SessionID{}, nil, err
	}
	if found {
		return id, payload, nil
	}

	id, err = s.ids.Generate()
	if err != nil {
		return domain.SessionID{}, nil, err
	}
	return id, map[string]any{}, nil
}

// WriteSession stores payload for incoming and returns the identifier the
// client must present next. A write under an id that does not resolve starts
// a new record with a new identifier; client-chosen ids are never adopted.
// Overflow is returned unchanged.
func (s *SessionService) WriteSession(ctx context.Context, incoming string, payload map[string]any) (domain.SessionID, error) {
	ctx, span := middleware.StartSpan(ctx, "session.write", trace.WithAttributes(
		attribute.String("layer", "logic"),
	))
	defer span.End()

	id, rec, err := s.resolve(ctx, incoming)
	if err != nil {
		span.RecordError(err)
		return domain.SessionID{}, err
	}

	if rec == nil {
		id, err = s.ids.Generate()
		if err != nil {
			span.RecordError(err)
			return domain.SessionID{}, err
		}
		rec = s.store.New(id, payload)
		span.SetAttributes(attribute.Bool("session.new", true))
	} else {
		rec.SetData(payload)
	}

	if _, err := s.store.Save(ctx, rec); err != nil {
		span.RecordError(err)
		return domain.SessionID{}, fmt.Errorf("write session: %w", err)
	}
	return id, nil
}

// DestroySession deletes the session behind incoming, if any, and returns
// the identifier the client should hold afterwards: a brand-new one, or the
// zero SessionID with Drop. With Renew the old payload is stored under the
// new identifier.
func (s *SessionService) DestroySession(ctx context.Context, incoming string, opts DestroyOptions) (domain.SessionID, error) {
	ctx, span := middleware.StartSpan(ctx, "session.destroy", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.Bool("session.drop", opts.Drop),
		attribute.Bool("session.renew", opts.Renew),
	))
	defer span.End()

	_, rec, err := s.resolve(ctx, incoming)
	if err != nil {
		span.RecordError(err)
		return domain.SessionID{}, err
	}

	var carried map[string]any
	if rec != nil {
		// decode before deleting so a corrupt payload is not lost silently
		if opts.Renew && !opts.Drop {
			if carried, err = decode(rec); err != nil {
				span.RecordError(err)
				return domain.SessionID{}, err
			}
		}
		if err := s.store.Destroy(ctx, rec); err != nil {
			span.RecordError(err)
			return domain.SessionID{}, err
		}
	}

	if opts.Drop {
		return domain.SessionID{}, nil
	}

	id, err := s.ids.Generate()
	if err != nil {
		span.RecordError(err)
		return domain.SessionID{}, err
	}
	if opts.Renew && rec != nil {
		if _, err := s.store.Create(ctx, id, carried); err != nil {
			span.RecordError(err)
			return domain.SessionID{}, fmt.Errorf("renew session: %w", err)
		}
		logger.FromContext(ctx).Info().Msg("Session renewed under a new id")
	}
	return id, nil
}

// resolve maps untrusted input to a stored record. Malformed input is not an error.
func (s *SessionService) resolve(ctx context.Context, incoming string) (domain.SessionID, *domain.Record, error) {
	if !domain.ValidPublicID(incoming) || domain.IsPrivateForm(incoming) {
		return domain.SessionID{}, nil, nil
	}
	id := s.ids.FromPublic(incoming)
	rec, err := s.store.Find(ctx, id)
	if err != nil {
		return domain.SessionID{}, nil, err
	}
	return id, rec, nil
}

func decode(rec *domain.Record) (map[string]any, error) {
	data, err := rec.Data()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionCorrupt, err)
	}
	return data, nil
}
