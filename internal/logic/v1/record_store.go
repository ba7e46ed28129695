package v1

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/duynhne/session-store/internal/core/codec"
	"github.com/duynhne/session-store/internal/core/domain"
	"github.com/duynhne/session-store/internal/logger"
	"github.com/duynhne/session-store/middleware"
)

// SaveResult is the outcome of a successful Save.
type SaveResult int

const (
	// SaveSkipped means the payload was never loaded, so there was nothing to write.
	SaveSkipped SaveResult = iota
	SaveInserted
	SaveUpdated
)

func (r SaveResult) String() string {
	switch r {
	case SaveInserted:
		return "inserted"
	case SaveUpdated:
		return "updated"
	default:
		return "skipped"
	}
}

// SecureResult is the outcome of a successful Secure.
type SecureResult int

const (
	// SecureSkipped means the record was already keyed by its private id.
	SecureSkipped SecureResult = iota
	// SecureApplied means the row was re-keyed to its private id.
	SecureApplied
	// SecureConflict means another writer already owns the private id; the
	// legacy row, if still present, was removed.
	SecureConflict
)

func (r SecureResult) String() string {
	switch r {
	case SecureApplied:
		return "applied"
	case SecureConflict:
		return "conflict"
	default:
		return "skipped"
	}
}

// UpgradeReport summarizes an Upgrade run.
type UpgradeReport struct {
	Scanned   int
	Secured   int
	Skipped   int
	Conflicts int
}

// StoreOptions tunes a RecordStore.
type StoreOptions struct {
	// Now is the clock Trim measures age against.
	Now func() time.Time
	// PageSize is the number of ids Upgrade reads per page.
	PageSize int
}

// RecordStore applies the session storage policy on top of a
// domain.SessionRepository: private-id resolution with legacy fallback,
// overflow checks, idempotent destroy and key migration.
// It MUST NOT access SQL or a driver directly.
type RecordStore struct {
	repo  domain.SessionRepository
	ids   *domain.IDDeriver
	codec codec.Codec
	opts  StoreOptions
}

// NewRecordStore creates a RecordStore. c encodes every payload written.
func NewRecordStore(repo domain.SessionRepository, ids *domain.IDDeriver, c codec.Codec, opts StoreOptions) *RecordStore {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PageSize <= 0 {
		opts.PageSize = domain.DefaultScanPageSize
	}
	return &RecordStore{repo: repo, ids: ids, codec: c, opts: opts}
}

// Find resolves id to its stored record, or returns (nil, nil).
//
// Ids in private form are refused outright. Otherwise the private id is tried
// first, then the raw public id for rows written before ids were derived; a
// legacy hit is re-keyed to the private id before it is returned.
func (s *RecordStore) Find(ctx context.Context, id domain.SessionID) (rec *domain.Record, err error) {
	ctx, span := middleware.StartSpan(ctx, "session.store.find", trace.WithAttributes(
		attribute.String("layer", "logic"),
	))
	defer span.End()
	defer func() { middleware.RecordSessionOp("find", err) }()

	if id.IsZero() || !domain.ValidPublicID(id.Public) || domain.IsPrivateForm(id.Public) {
		span.SetAttributes(attribute.Bool("session.found", false))
		return nil, nil
	}
	if id.Private == "" {
		id = s.ids.FromPublic(id.Public)
	}

	rec, err = s.findByStorageID(ctx, id.Private)
	if err != nil || rec != nil {
		span.SetAttributes(attribute.Bool("session.found", rec != nil))
		return rec, err
	}

	legacy, err := s.findByStorageID(ctx, id.Public)
	if err != nil || legacy == nil {
		span.SetAttributes(attribute.Bool("session.found", false))
		return nil, err
	}

	result, err := s.Secure(ctx, legacy)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("session.found", true),
		attribute.String("session.secure", result.String()),
	)
	if result == SecureConflict {
		// someone else secured or replaced the row; read what they left
		return s.findByStorageID(ctx, id.Private)
	}
	return legacy, nil
}

func (s *RecordStore) findByStorageID(ctx context.Context, storageID string) (*domain.Record, error) {
	row, err := s.repo.FindByStorageID(ctx, storageID)
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return domain.LoadRecord(row.StorageID, row.Data, s.codec), nil
}

// New returns an unsaved record for id holding payload.
func (s *RecordStore) New(id domain.SessionID, payload map[string]any) *domain.Record {
	return domain.NewRecord(id.Private, payload, s.codec)
}

// Create stores a new record for id holding payload.
func (s *RecordStore) Create(ctx context.Context, id domain.SessionID, payload map[string]any) (*domain.Record, error) {
	rec := s.New(id, payload)
	if _, err := s.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Save encodes the record's payload and writes it.
//
// A record whose payload was never loaded is skipped. A payload longer than
// the data column allows fails with *OverflowError and leaves the stored row
// untouched. Insert/update races fall back to the other statement.
func (s *RecordStore) Save(ctx context.Context, rec *domain.Record) (result SaveResult, err error) {
	ctx, span := middleware.StartSpan(ctx, "session.store.save", trace.WithAttributes(
		attribute.String("layer", "logic"),
	))
	defer span.End()
	defer func() {
		middleware.RecordSessionOp("save", err)
		span.SetAttributes(attribute.String("session.save", result.String()))
		if err != nil {
			span.RecordError(err)
		}
	}()

	if !rec.Loaded() {
		return SaveSkipped, nil
	}

	legacy := rec.NeedsMigration()
	encoded, err := rec.Encode()
	if err != nil {
		return SaveSkipped, fmt.Errorf("encode session: %w", err)
	}
	if legacy && !codec.NeedsMigration(encoded) {
		defer func() {
			if err == nil {
				middleware.SessionsMigrated.Inc()
				logger.FromContext(ctx).Debug().
					Str("codec", s.codec.Name()).
					Msg("Session payload rewritten from legacy encoding")
			}
		}()
	}

	if limit := s.repo.Schema().DataLimit; limit > 0 {
		if size := utf8.RuneCountInString(encoded); size > limit {
			middleware.SessionOverflows.Inc()
			logger.FromContext(ctx).Error().
				Int("size", size).
				Int("limit", limit).
				Msg("Session data exceeds column limit")
			return SaveSkipped, &OverflowError{Size: size, Limit: limit}
		}
	}

	if !rec.Persisted() {
		err = s.repo.Insert(ctx, rec.StorageID, encoded)
		if err == nil {
			rec.MarkPersisted()
			return SaveInserted, nil
		}
		if !errors.Is(err, domain.ErrDuplicateKey) {
			return SaveSkipped, fmt.Errorf("insert session: %w", err)
		}
		logger.FromContext(ctx).Warn().Msg("Session created concurrently, updating instead")
	}

	updated, err := s.repo.Update(ctx, rec.StorageID, encoded)
	if err != nil {
		return SaveSkipped, fmt.Errorf("update session: %w", err)
	}
	if updated {
		rec.MarkPersisted()
		return SaveUpdated, nil
	}

	// row vanished underneath us
	if err = s.repo.Insert(ctx, rec.StorageID, encoded); err != nil {
		return SaveSkipped, fmt.Errorf("insert session: %w", err)
	}
	rec.MarkPersisted()
	return SaveInserted, nil
}

// Destroy deletes the record. Destroying a missing record is a no-op.
func (s *RecordStore) Destroy(ctx context.Context, rec *domain.Record) (err error) {
	if rec == nil {
		return nil
	}
	ctx, span := middleware.StartSpan(ctx, "session.store.destroy", trace.WithAttributes(
		attribute.String("layer", "logic"),
	))
	defer span.End()
	defer func() { middleware.RecordSessionOp("destroy", err) }()

	if err = s.repo.Delete(ctx, rec.StorageID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete session: %w", err)
	}
	rec.MarkDeleted()
	return nil
}

// Secure re-keys a record still stored under its public id to the private id.
// Running it on an already secured record is a no-op.
func (s *RecordStore) Secure(ctx context.Context, rec *domain.Record) (SecureResult, error) {
	if domain.IsPrivateForm(rec.StorageID) {
		return SecureSkipped, nil
	}

	legacy := rec.StorageID
	private := s.ids.DerivePrivate(legacy)
	log := logger.FromContext(ctx)

	err := s.repo.Rekey(ctx, legacy, private)
	switch {
	case err == nil:
		rec.StorageID = private
		middleware.SessionsSecured.WithLabelValues(SecureApplied.String()).Inc()
		log.Info().Msg("Legacy session re-keyed to private id")
		return SecureApplied, nil

	case errors.Is(err, domain.ErrDuplicateKey):
		// the private row wins; the legacy copy is stale
		if err := s.repo.Delete(ctx, legacy); err != nil {
			return SecureSkipped, fmt.Errorf("delete superseded session: %w", err)
		}
		rec.StorageID = private
		rec.MarkDeleted()
		middleware.SessionsSecured.WithLabelValues(SecureConflict.String()).Inc()
		log.Warn().Msg("Legacy session already secured by another writer")
		return SecureConflict, nil

	case errors.Is(err, domain.ErrSessionMissing):
		rec.StorageID = private
		rec.MarkDeleted()
		middleware.SessionsSecured.WithLabelValues(SecureConflict.String()).Inc()
		log.Warn().Msg("Legacy session moved before it could be secured")
		return SecureConflict, nil

	default:
		return SecureSkipped, fmt.Errorf("secure session: %w", err)
	}
}

// Trim deletes sessions not written for longer than olderThan.
func (s *RecordStore) Trim(ctx context.Context, olderThan time.Duration) (n int64, err error) {
	ctx, span := middleware.StartSpan(ctx, "session.store.trim", trace.WithAttributes(
		attribute.String("layer", "logic"),
	))
	defer span.End()
	defer func() { middleware.RecordSessionOp("trim", err) }()

	cutoff := s.opts.Now().Add(-olderThan)
	n, err = s.repo.DeleteUpdatedBefore(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("trim sessions: %w", err)
	}
	middleware.SessionsTrimmed.Add(float64(n))
	span.SetAttributes(attribute.Int64("session.trimmed", n))
	logger.FromContext(ctx).Info().
		Int64("deleted", n).
		Time("cutoff", cutoff).
		Msg("Trimmed stale sessions")
	return n, nil
}

// Upgrade secures every record still stored under a public id. Safe to run
// repeatedly and alongside live traffic. Rows re-keyed by this run are
// counted once.
func (s *RecordStore) Upgrade(ctx context.Context) (report UpgradeReport, err error) {
	ctx, span := middleware.StartSpan(ctx, "session.store.upgrade", trace.WithAttributes(
		attribute.String("layer", "logic"),
	))
	defer span.End()
	defer func() { middleware.RecordSessionOp("upgrade", err) }()

	// a re-keyed row can sort ahead of the scan cursor and come round again
	moved := make(map[string]struct{})
	err = s.repo.EachStorageID(ctx, s.opts.PageSize, func(id string) error {
		if _, ok := moved[id]; ok {
			return nil
		}
		report.Scanned++
		rec := domain.LoadRecord(id, "", s.codec)
		result, err := s.Secure(ctx, rec)
		if err != nil {
			return err
		}
		switch result {
		case SecureApplied:
			moved[rec.StorageID] = struct{}{}
			report.Secured++
		case SecureConflict:
			report.Conflicts++
		default:
			report.Skipped++
		}
		return nil
	})

	span.SetAttributes(
		attribute.Int("upgrade.scanned", report.Scanned),
		attribute.Int("upgrade.secured", report.Secured),
		attribute.Int("upgrade.conflicts", report.Conflicts),
	)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("upgrade sessions: %w", err)
	}
	logger.FromContext(ctx).Info().
		Int("scanned", report.Scanned).
		Int("secured", report.Secured).
		Int("skipped", report.Skipped).
		Int("conflicts", report.Conflicts).
		Msg("Session upgrade complete")
	return report, nil
}
