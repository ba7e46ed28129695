package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/duynhne/session-store/config"
	"github.com/duynhne/session-store/internal/core/domain"
	logicv1 "github.com/duynhne/session-store/internal/logic/v1"
	"github.com/duynhne/session-store/internal/logger"
)

const sessionContextKey = "session"

// SessionLifecycle is the part of logicv1.SessionService the middleware uses.
type SessionLifecycle interface {
	LookupSession(ctx context.Context, incoming string) (domain.SessionID, map[string]any, bool, error)
	WriteSession(ctx context.Context, incoming string, payload map[string]any) (domain.SessionID, error)
	DestroySession(ctx context.Context, incoming string, opts logicv1.DestroyOptions) (domain.SessionID, error)
}

// CookieOptions controls how the session id travels to and from the client.
type CookieOptions struct {
	Name string
	// CookieOnly ignores an id passed as a query parameter.
	CookieOnly bool
	Secure     bool
	Path       string
}

// CookieOptionsFromConfig builds CookieOptions from the session config.
func CookieOptionsFromConfig(cfg config.SessionConfig) CookieOptions {
	return CookieOptions{
		Name:       cfg.CookieName,
		CookieOnly: cfg.CookieOnly,
		Secure:     cfg.CookieSecure,
		Path:       "/",
	}
}

// Session is the request-scoped view of the client's session. The payload is
// loaded on first access and written back once, just before the response
// headers go out. A session that is only read is never stored.
type Session struct {
	svc  SessionLifecycle
	c    *gin.Context
	opts CookieOptions

	incoming string
	id       domain.SessionID
	data     map[string]any

	loaded  bool
	exists  bool
	dirty   bool
	reset   bool
	renewed bool

	committed bool
	commitErr error
}

// SessionFrom returns the session attached by SessionMiddleware.
func SessionFrom(c *gin.Context) *Session {
	return c.MustGet(sessionContextKey).(*Session)
}

// SessionMiddleware attaches a lazily loaded Session to every request and
// commits it before the response is written. Commit failures become 500s
// when nothing has been written yet.
func SessionMiddleware(svc SessionLifecycle, opts CookieOptions) gin.HandlerFunc {
	if opts.Path == "" {
		opts.Path = "/"
	}
	return func(c *gin.Context) {
		s := &Session{svc: svc, c: c, opts: opts, incoming: incomingID(c, opts)}
		c.Set(sessionContextKey, s)

		w := &sessionWriter{ResponseWriter: c.Writer, session: s}
		c.Writer = w
		c.Next()

		if err := s.commit(); err != nil && !c.Writer.Written() {
			logger.FromContext(c.Request.Context()).Error().Err(err).Msg("Session commit failed")
			// bypass the wrapper, which would replay the failed commit
			c.Writer = w.ResponseWriter
			c.Abort()
			respondSessionError(c, err)
		}
	}
}

func incomingID(c *gin.Context, opts CookieOptions) string {
	if v, err := c.Cookie(opts.Name); err == nil && v != "" {
		return v
	}
	if !opts.CookieOnly {
		return c.Query(opts.Name)
	}
	return ""
}

// ID returns the public session id without loading the payload. Before the
// session is loaded this is the id the client presented, if it is a usable
// public id; a session that has never been stored has no id.
func (s *Session) ID() string {
	if !s.loaded {
		if !domain.ValidPublicID(s.incoming) || domain.IsPrivateForm(s.incoming) {
			return ""
		}
		return s.incoming
	}
	return s.id.Public
}

// Load materializes the payload.
func (s *Session) Load() (map[string]any, error) {
	if s.loaded {
		return s.data, nil
	}
	id, data, found, err := s.svc.LookupSession(s.ctx(), s.incoming)
	if err != nil {
		return nil, err
	}
	if !found {
		data = map[string]any{}
	}
	s.id, s.data, s.exists, s.loaded = id, data, found, true
	return s.data, nil
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (any, bool, error) {
	data, err := s.Load()
	if err != nil {
		return nil, false, err
	}
	v, ok := data[key]
	return v, ok, nil
}

// Set stores value under key.
func (s *Session) Set(key string, value any) error {
	data, err := s.Load()
	if err != nil {
		return err
	}
	data[key] = value
	s.dirty = true
	return nil
}

// Delete removes key.
func (s *Session) Delete(key string) error {
	data, err := s.Load()
	if err != nil {
		return err
	}
	if _, ok := data[key]; ok {
		delete(data, key)
		s.dirty = true
	}
	return nil
}

// Reset destroys the stored session. Later writes in the same request start a
// new session under a new id; otherwise the cookie is cleared.
func (s *Session) Reset() error {
	if _, err := s.svc.DestroySession(s.ctx(), s.currentID(), logicv1.DestroyOptions{Drop: true}); err != nil {
		return err
	}
	s.id, s.data = domain.SessionID{}, map[string]any{}
	s.loaded, s.exists, s.dirty, s.renewed = true, false, false, false
	s.reset = true
	return nil
}

// Renew moves the session contents to a new id.
func (s *Session) Renew() error {
	if err := s.flush(); err != nil {
		return err
	}
	id, err := s.svc.DestroySession(s.ctx(), s.currentID(), logicv1.DestroyOptions{Renew: true})
	if err != nil {
		return err
	}
	if !s.exists {
		// nothing was stored, so nothing was carried over
		s.id, s.loaded = domain.SessionID{}, true
		return nil
	}
	s.id, s.loaded, s.renewed = id, true, true
	return nil
}

func (s *Session) ctx() context.Context {
	return s.c.Request.Context()
}

func (s *Session) currentID() string {
	if !s.loaded {
		return s.incoming
	}
	return s.id.Public
}

// flush writes pending changes now. Renew uses it so the carried payload
// includes them.
func (s *Session) flush() error {
	if !s.dirty {
		if _, err := s.Load(); err != nil {
			return err
		}
		return nil
	}
	id, err := s.svc.WriteSession(s.ctx(), s.writeID(), s.data)
	if err != nil {
		return err
	}
	s.id, s.exists, s.dirty = id, true, false
	return nil
}

func (s *Session) writeID() string {
	if s.exists {
		return s.id.Public
	}
	return ""
}

// commit writes the session back and sets or clears the cookie. It runs once
// per request; later calls return the first result.
func (s *Session) commit() error {
	if s.committed {
		return s.commitErr
	}
	s.committed = true

	switch {
	case s.dirty:
		if s.commitErr = s.flush(); s.commitErr != nil {
			return s.commitErr
		}
		s.setCookie(s.id.Public, 0)
	case s.renewed:
		s.setCookie(s.id.Public, 0)
	case s.reset && s.incoming != "":
		s.setCookie("", -1)
	}
	return nil
}

func (s *Session) setCookie(value string, maxAge int) {
	cookie := &http.Cookie{
		Name:     s.opts.Name,
		Value:    value,
		Path:     s.opts.Path,
		MaxAge:   maxAge,
		Secure:   s.opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge < 0 {
		cookie.Expires = time.Unix(0, 0)
	}
	http.SetCookie(s.c.Writer, cookie)
}

// sessionWriter commits the session before the first byte or header leaves.
type sessionWriter struct {
	gin.ResponseWriter
	session *Session
}

func (w *sessionWriter) WriteHeaderNow() {
	if !w.Written() {
		if err := w.session.commit(); err != nil {
			w.ResponseWriter.WriteHeader(http.StatusInternalServerError)
		}
	}
	w.ResponseWriter.WriteHeaderNow()
}

func (w *sessionWriter) Write(b []byte) (int, error) {
	if !w.Written() {
		if err := w.session.commit(); err != nil {
			return 0, err
		}
	}
	return w.ResponseWriter.Write(b)
}

func (w *sessionWriter) WriteString(s string) (int, error) {
	if !w.Written() {
		if err := w.session.commit(); err != nil {
			return 0, err
		}
	}
	return w.ResponseWriter.WriteString(s)
}
