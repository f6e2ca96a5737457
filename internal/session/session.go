// File: internal/session/session.go
package session

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// record is the stored form. The timestamp is epoch milliseconds so records written by the
// browser extension load unchanged.
type record struct {
	Email     string          `json:"email"`
	Domain    string          `json:"domain"`
	Purpose   schemas.Purpose `json:"purpose,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Store persists the single in-flight OtpSession in the shared settings store.
type Store struct {
	kv        store.KV
	staleness time.Duration
	log       *zap.Logger
	now       func() time.Time
}

// New returns a session store. Sessions older than staleness are discarded on load.
func New(kv store.KV, staleness time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: kv, staleness: staleness, log: logger.Named("session"), now: time.Now}
}

// Staleness returns the configured threshold.
func (s *Store) Staleness() time.Duration { return s.staleness }

// Save writes sess, superseding whatever session was stored before.
func (s *Store) Save(ctx context.Context, sess schemas.OtpSession) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.now()
	}
	raw, err := json.Marshal(record{
		Email:     sess.MailboxAddress,
		Domain:    schemas.NormalizeDomain(sess.OriginDomain),
		Purpose:   sess.Purpose,
		Timestamp: sess.StartedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.kv.Set(ctx, map[string][]byte{schemas.KeyOtpSession: raw}); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	s.log.Debug("Session saved.", zap.String("origin", sess.OriginDomain), zap.String("mailbox", sess.MailboxAddress))
	return nil
}

// Load returns the stored session for origin. ok is false when there is none, when it belongs
// to another origin, or when it is stale; a stale session for origin is removed.
func (s *Store) Load(ctx context.Context, origin string) (sess schemas.OtpSession, ok bool, err error) {
	sess, ok, err = s.current(ctx)
	if err != nil || !ok {
		return schemas.OtpSession{}, false, err
	}
	if sess.OriginDomain != schemas.NormalizeDomain(origin) {
		return schemas.OtpSession{}, false, nil
	}
	if sess.Stale(s.now(), s.staleness) {
		s.log.Info("Discarding stale session.",
			zap.String("origin", sess.OriginDomain),
			zap.Duration("age", s.now().Sub(sess.StartedAt)))
		if err := s.kv.Remove(ctx, schemas.KeyOtpSession); err != nil {
			return schemas.OtpSession{}, false, fmt.Errorf("failed to remove stale session: %w", err)
		}
		return schemas.OtpSession{}, false, nil
	}
	return sess, true, nil
}

// Clear removes the stored session if it belongs to origin. An empty origin removes any session.
func (s *Store) Clear(ctx context.Context, origin string) error {
	if origin != "" {
		sess, ok, err := s.current(ctx)
		if err != nil {
			return err
		}
		if !ok || sess.OriginDomain != schemas.NormalizeDomain(origin) {
			return nil
		}
	}
	if err := s.kv.Remove(ctx, schemas.KeyOtpSession); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (s *Store) current(ctx context.Context) (schemas.OtpSession, bool, error) {
	vals, err := s.kv.Get(ctx, schemas.KeyOtpSession)
	if err != nil {
		return schemas.OtpSession{}, false, fmt.Errorf("failed to read session: %w", err)
	}
	raw, ok := vals[schemas.KeyOtpSession]
	if !ok || string(raw) == "null" {
		return schemas.OtpSession{}, false, nil
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A record we cannot read cannot be resumed either.
		s.log.Warn("Ignoring unreadable session record.", zap.Error(err))
		return schemas.OtpSession{}, false, nil
	}
	return schemas.OtpSession{
		MailboxAddress: rec.Email,
		OriginDomain:   schemas.NormalizeDomain(rec.Domain),
		Purpose:        rec.Purpose,
		StartedAt:      time.UnixMilli(rec.Timestamp),
	}, true, nil
}

// Release removes the stored session only while it is still sess. A run that ends must not drop
// the session a newer run on the same origin has written since.
func (s *Store) Release(ctx context.Context, sess schemas.OtpSession) error {
	cur, ok, err := s.current(ctx)
	if err != nil {
		return err
	}
	if !ok || !sameSession(cur, sess) {
		return nil
	}
	if err := s.kv.Remove(ctx, schemas.KeyOtpSession); err != nil {
		return fmt.Errorf("failed to release session: %w", err)
	}
	return nil
}

// Decode reads a raw stored session value. ok is false when raw is empty, unreadable or has no origin.
func Decode(raw []byte) (schemas.OtpSession, bool) {
	var rec record
	if len(raw) == 0 || json.Unmarshal(raw, &rec) != nil || rec.Domain == "" {
		return schemas.OtpSession{}, false
	}
	return schemas.OtpSession{
		MailboxAddress: rec.Email,
		OriginDomain:   schemas.NormalizeDomain(rec.Domain),
		Purpose:        rec.Purpose,
		StartedAt:      time.UnixMilli(rec.Timestamp),
	}, true
}

// sameSession compares at the millisecond precision of the stored record.
func sameSession(a, b schemas.OtpSession) bool {
	return a.OriginDomain == schemas.NormalizeDomain(b.OriginDomain) &&
		a.StartedAt.UnixMilli() == b.StartedAt.UnixMilli()
}
