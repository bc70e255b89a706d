// Package redisstore implements the RecordStore contract on Redis.
// Each record lives under a (channel, context, session) key whose TTL
// covers the code expiry plus a settle margin, so AlreadyUsed/Locked
// answers stay accurate for a while after the code dies. An index key
// per (destination, context, channel) tracks the newest session.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MetaDevZone/secure-2fa/internal/model"
	"github.com/MetaDevZone/secure-2fa/internal/util"
)

const (
	recordPrefix = "otp:rec:"
	activePrefix = "otp:active:"
	idPrefix     = "otp:id:"

	// settleMargin keeps used/locked/expired records readable after
	// expiry so verification can answer with the precise failure kind.
	settleMargin = time.Hour
)

type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func recordKey(ch model.Channel, otpContext, session string) string {
	return recordPrefix + string(ch) + ":" + otpContext + ":" + session
}

func activeKey(destination, otpContext string, ch model.Channel) string {
	return activePrefix + string(ch) + ":" + otpContext + ":" + destination
}

func (s *Store) Create(ctx context.Context, rec *model.CodeAttempt) (*model.CodeAttempt, error) {
	stored := rec.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	ttl := time.Until(stored.ExpiresAt) + settleMargin
	recKey := recordKey(stored.Channel, stored.Context, stored.SessionID)

	ok, err := s.client.SetNX(ctx, recKey, payload, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}
	if !ok {
		return nil, model.ErrDuplicateKey
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, idPrefix+stored.ID, recKey, ttl)
	pipe.Set(ctx, activeKey(stored.Destination, stored.Context, stored.Channel), stored.SessionID, time.Until(stored.ExpiresAt))
	if _, err := pipe.Exec(ctx); err != nil {
		// Record exists but indexes failed; lookups by session still
		// work, so log and keep going.
		util.Warn("Failed to write record indexes",
			util.String("session_id", stored.SessionID),
			util.ErrorField(err))
	}

	return stored, nil
}

func (s *Store) FindBySessionKey(ctx context.Context, destination, otpContext, session string, ch model.Channel) (*model.CodeAttempt, error) {
	rec, err := s.getRecord(ctx, recordKey(ch, otpContext, session))
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Destination != destination {
		return nil, nil
	}
	return rec, nil
}

func (s *Store) FindActive(ctx context.Context, destination, otpContext string, ch model.Channel) (*model.CodeAttempt, error) {
	session, err := s.client.Get(ctx, activeKey(destination, otpContext, ch)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active index: %w", err)
	}

	rec, err := s.FindBySessionKey(ctx, destination, otpContext, session, ch)
	if err != nil || rec == nil {
		return nil, err
	}
	if !rec.Active(time.Now().UTC()) {
		return nil, nil
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, id string, upd model.RecordUpdate) (*model.CodeAttempt, error) {
	recKey, err := s.client.Get(ctx, idPrefix+id).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("record not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve record id: %w", err)
	}

	rec, err := s.getRecord(ctx, recKey)
	if err != nil {
		return nil, err
	}
	if rec == nil {
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

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := s.client.Set(ctx, recKey, payload, redis.KeepTTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	recKey, err := s.client.Get(ctx, idPrefix+id).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve record id: %w", err)
	}

	rec, err := s.getRecord(ctx, recKey)
	if err != nil {
		return err
	}

	keys := []string{recKey, idPrefix + id}
	if rec != nil {
		keys = append(keys, activeKey(rec.Destination, rec.Context, rec.Channel))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// DeleteExpired removes records past expiry that are still inside the
// settle margin; Redis TTLs take care of everything older.
func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	removed := 0

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, recordPrefix+"*", 200).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan records: %w", err)
		}

		for _, key := range keys {
			rec, err := s.getRecord(ctx, key)
			if err != nil || rec == nil {
				continue
			}
			if rec.Expired(now) {
				if err := s.client.Del(ctx, key, idPrefix+rec.ID).Err(); err != nil {
					util.Warn("Failed to delete expired record",
						util.String("session_id", rec.SessionID),
						util.ErrorField(err))
					continue
				}
				removed++
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		util.Info("Expired records deleted", util.Int("deleted_count", removed))
	}
	return removed, nil
}

// ReconcileDuplicates removes all but the newest active record for the
// key; terminal records keep their keys so used/locked answers survive.
func (s *Store) ReconcileDuplicates(ctx context.Context, destination, otpContext string, ch model.Channel) error {
	pattern := recordPrefix + string(ch) + ":" + otpContext + ":*"
	now := time.Now().UTC()

	var newest *model.CodeAttempt
	var matched []*model.CodeAttempt

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return fmt.Errorf("failed to scan records: %w", err)
		}
		for _, key := range keys {
			rec, err := s.getRecord(ctx, key)
			if err != nil || rec == nil || rec.Destination != destination || !rec.Active(now) {
				continue
			}
			matched = append(matched, rec)
			if newest == nil || rec.CreatedAt.After(newest.CreatedAt) {
				newest = rec
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	for _, rec := range matched {
		if rec.ID == newest.ID {
			continue
		}
		if err := s.client.Del(ctx,
			recordKey(rec.Channel, rec.Context, rec.SessionID),
			idPrefix+rec.ID).Err(); err != nil {
			util.Warn("Failed to remove duplicate record",
				util.String("session_id", rec.SessionID),
				util.ErrorField(err))
		}
	}
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (s *Store) getRecord(ctx context.Context, key string) (*model.CodeAttempt, error) {
	payload, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	var rec model.CodeAttempt
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		// A corrupt record is unreadable, not fatal; treat as absent.
		util.Error("Corrupt record payload",
			util.String("key", strings.TrimPrefix(key, recordPrefix)),
			util.ErrorField(err))
		return nil, nil
	}
	return &rec, nil
}
