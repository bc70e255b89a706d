// Package memory provides an in-process RecordStore used by tests and
// single-node deployments. All access is mutex-guarded; records are
// deep-copied on the way in and out so callers never share state with
// the store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MetaDevZone/secure-2fa/internal/model"
	"github.com/MetaDevZone/secure-2fa/internal/util"
)

// Store keeps code attempt records keyed by id, with a uniqueness index
// over (channel, context, session).
type Store struct {
	mu        sync.RWMutex
	records   map[string]*model.CodeAttempt
	bySession map[string]string // sessionKey -> record id
}

func NewStore() *Store {
	return &Store{
		records:   make(map[string]*model.CodeAttempt),
		bySession: make(map[string]string),
	}
}

func sessionKey(ch model.Channel, otpContext, session string) string {
	return string(ch) + "\x00" + otpContext + "\x00" + session
}

func (s *Store) Create(_ context.Context, rec *model.CodeAttempt) (*model.CodeAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(rec.Channel, rec.Context, rec.SessionID)
	if _, exists := s.bySession[key]; exists {
		return nil, model.ErrDuplicateKey
	}

	stored := rec.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	s.records[stored.ID] = stored
	s.bySession[key] = stored.ID

	return stored.Clone(), nil
}

func (s *Store) FindBySessionKey(_ context.Context, destination, otpContext, session string, ch model.Channel) (*model.CodeAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySession[sessionKey(ch, otpContext, session)]
	if !ok {
		return nil, nil
	}
	rec := s.records[id]
	if rec == nil || rec.Destination != destination {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (s *Store) FindActive(_ context.Context, destination, otpContext string, ch model.Channel) (*model.CodeAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var newest *model.CodeAttempt
	for _, rec := range s.records {
		if rec.Destination != destination || rec.Context != otpContext || rec.Channel != ch {
			continue
		}
		if !rec.Active(now) {
			continue
		}
		if newest == nil || rec.CreatedAt.After(newest.CreatedAt) {
			newest = rec
		}
	}
	if newest == nil {
		return nil, nil
	}
	return newest.Clone(), nil
}

func (s *Store) Update(_ context.Context, id string, upd model.RecordUpdate) (*model.CodeAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("record not found: %s", id)
	}

	if upd.Attempts != nil {
		rec.Attempts = *upd.Attempts
	}
	if upd.Used != nil {
		rec.Used = *upd.Used
	}
	if upd.Locked != nil {
		rec.Locked = *upd.Locked
	}

	return rec.Clone(), nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	delete(s.bySession, sessionKey(rec.Channel, rec.Context, rec.SessionID))
	delete(s.records, id)
	return nil
}

func (s *Store) DeleteExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	removed := 0
	for id, rec := range s.records {
		if rec.Expired(now) {
			delete(s.bySession, sessionKey(rec.Channel, rec.Context, rec.SessionID))
			delete(s.records, id)
			removed++
		}
	}

	if removed > 0 {
		util.Info("Expired records deleted", util.Int("deleted_count", removed))
	}
	return removed, nil
}

// ReconcileDuplicates removes all but the newest active record for the
// key. Terminal records are kept so their state remains answerable.
func (s *Store) ReconcileDuplicates(_ context.Context, destination, otpContext string, ch model.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var matches []*model.CodeAttempt
	for _, rec := range s.records {
		if rec.Destination == destination && rec.Context == otpContext && rec.Channel == ch && rec.Active(now) {
			matches = append(matches, rec)
		}
	}
	if len(matches) <= 1 {
		return nil
	}

	newest := matches[0]
	for _, rec := range matches[1:] {
		if rec.CreatedAt.After(newest.CreatedAt) {
			newest = rec
		}
	}
	for _, rec := range matches {
		if rec.ID == newest.ID {
			continue
		}
		delete(s.bySession, sessionKey(rec.Channel, rec.Context, rec.SessionID))
		delete(s.records, rec.ID)
	}
	return nil
}

func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Len reports the number of stored records. Test helper.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// ActiveLen reports how many stored records are active. Test helper.
func (s *Store) ActiveLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	n := 0
	for _, rec := range s.records {
		if rec.Active(now) {
			n++
		}
	}
	return n
}
