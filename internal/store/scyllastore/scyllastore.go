// Package scyllastore implements the RecordStore contract on
// ScyllaDB/Cassandra. Records are partitioned by (destination, context,
// channel) with session_id as clustering key, so supersede lookups and
// duplicate reconciliation stay partition-local.
package scyllastore

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/MetaDevZone/secure-2fa/internal/config"
	"github.com/MetaDevZone/secure-2fa/internal/model"
	"github.com/MetaDevZone/secure-2fa/internal/util"
)

// Schema for reference:
//
//	CREATE TABLE otp_attempts (
//	    destination text, context text, channel text, session_id text,
//	    id text, code_hash text, code_tag text, meta_fingerprint text,
//	    ip_address text, user_agent text, device_id text, platform text,
//	    attempts int, max_attempts int, used boolean, locked boolean,
//	    created_at timestamp, expires_at timestamp,
//	    PRIMARY KEY ((destination, context, channel), session_id)
//	);

type Store struct {
	session *gocql.Session
}

// NewStore connects to the cluster and returns a Scylla-backed store.
func NewStore(cfg config.ScyllaConfig) (*Store, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = cfg.Timeout
	cluster.ConnectTimeout = cfg.Timeout
	cluster.NumConns = 4
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("Scylla record store initialized",
		util.Any("hosts", cfg.Hosts),
		util.String("keyspace", cfg.Keyspace))

	return &Store{session: session}, nil
}

// NewStoreWithSession wraps an existing session; used by tests.
func NewStoreWithSession(session *gocql.Session) *Store {
	return &Store{session: session}
}

func (s *Store) Create(ctx context.Context, rec *model.CodeAttempt) (*model.CodeAttempt, error) {
	stored := rec.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	// IF NOT EXISTS makes the (destination, context, channel, session)
	// uniqueness visible as applied=false instead of a silent upsert.
	applied, err := s.session.Query(`
        INSERT INTO otp_attempts (
            destination, context, channel, session_id, id,
            code_hash, code_tag, meta_fingerprint,
            ip_address, user_agent, device_id, platform,
            attempts, max_attempts, used, locked, created_at, expires_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        IF NOT EXISTS`,
		stored.Destination, stored.Context, string(stored.Channel), stored.SessionID, stored.ID,
		stored.CodeHash, stored.CodeTag, stored.MetaFingerprint,
		stored.Meta.IPAddress, stored.Meta.UserAgent, stored.Meta.DeviceID, stored.Meta.Platform,
		stored.Attempts, stored.MaxAttempts, stored.Used, stored.Locked, stored.CreatedAt, stored.ExpiresAt,
	).WithContext(ctx).ScanCAS()
	if err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}
	if !applied {
		return nil, model.ErrDuplicateKey
	}

	return stored, nil
}

func (s *Store) FindBySessionKey(ctx context.Context, destination, otpContext, session string, ch model.Channel) (*model.CodeAttempt, error) {
	rec := &model.CodeAttempt{
		Destination: destination,
		Context:     otpContext,
		Channel:     ch,
		SessionID:   session,
	}

	err := s.session.Query(`
        SELECT id, code_hash, code_tag, meta_fingerprint,
               ip_address, user_agent, device_id, platform,
               attempts, max_attempts, used, locked, created_at, expires_at
        FROM otp_attempts
        WHERE destination = ? AND context = ? AND channel = ? AND session_id = ?`,
		destination, otpContext, string(ch), session,
	).WithContext(ctx).Scan(
		&rec.ID, &rec.CodeHash, &rec.CodeTag, &rec.MetaFingerprint,
		&rec.Meta.IPAddress, &rec.Meta.UserAgent, &rec.Meta.DeviceID, &rec.Meta.Platform,
		&rec.Attempts, &rec.MaxAttempts, &rec.Used, &rec.Locked, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find record: %w", err)
	}
	return rec, nil
}

func (s *Store) FindActive(ctx context.Context, destination, otpContext string, ch model.Channel) (*model.CodeAttempt, error) {
	iter := s.session.Query(`
        SELECT session_id, id, code_hash, code_tag, meta_fingerprint,
               ip_address, user_agent, device_id, platform,
               attempts, max_attempts, used, locked, created_at, expires_at
        FROM otp_attempts
        WHERE destination = ? AND context = ? AND channel = ?`,
		destination, otpContext, string(ch),
	).WithContext(ctx).Iter()

	now := time.Now().UTC()
	var newest *model.CodeAttempt

	for {
		rec := &model.CodeAttempt{Destination: destination, Context: otpContext, Channel: ch}
		if !iter.Scan(
			&rec.SessionID, &rec.ID, &rec.CodeHash, &rec.CodeTag, &rec.MetaFingerprint,
			&rec.Meta.IPAddress, &rec.Meta.UserAgent, &rec.Meta.DeviceID, &rec.Meta.Platform,
			&rec.Attempts, &rec.MaxAttempts, &rec.Used, &rec.Locked, &rec.CreatedAt, &rec.ExpiresAt,
		) {
			break
		}
		if !rec.Active(now) {
			continue
		}
		if newest == nil || rec.CreatedAt.After(newest.CreatedAt) {
			newest = rec
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to scan active records: %w", err)
	}
	return newest, nil
}

func (s *Store) Update(ctx context.Context, id string, upd model.RecordUpdate) (*model.CodeAttempt, error) {
	rec, err := s.findByID(ctx, id)
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

	err = s.session.Query(`
        UPDATE otp_attempts SET attempts = ?, used = ?, locked = ?
        WHERE destination = ? AND context = ? AND channel = ? AND session_id = ?`,
		rec.Attempts, rec.Used, rec.Locked,
		rec.Destination, rec.Context, string(rec.Channel), rec.SessionID,
	).WithContext(ctx).Exec()
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	rec, err := s.findByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	err = s.session.Query(`
        DELETE FROM otp_attempts
        WHERE destination = ? AND context = ? AND channel = ? AND session_id = ?`,
		rec.Destination, rec.Context, string(rec.Channel), rec.SessionID,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	iter := s.session.Query(`
        SELECT destination, context, channel, session_id FROM otp_attempts
        WHERE expires_at < ? ALLOW FILTERING`, time.Now().UTC(),
	).WithContext(ctx).Iter()

	var destination, otpContext, channel, session string
	deleted := 0

	batch := s.session.NewBatch(gocql.UnloggedBatch)
	batchSize := 0

	flush := func() error {
		if batchSize == 0 {
			return nil
		}
		if err := s.session.ExecuteBatch(batch); err != nil {
			return fmt.Errorf("failed to delete expired records: %w", err)
		}
		deleted += batchSize
		batch = s.session.NewBatch(gocql.UnloggedBatch)
		batchSize = 0
		return nil
	}

	for iter.Scan(&destination, &otpContext, &channel, &session) {
		batch.Query(`
            DELETE FROM otp_attempts
            WHERE destination = ? AND context = ? AND channel = ? AND session_id = ?`,
			destination, otpContext, channel, session)
		batchSize++

		if batchSize >= 100 {
			if err := flush(); err != nil {
				iter.Close()
				return deleted, err
			}
		}
	}
	if err := flush(); err != nil {
		iter.Close()
		return deleted, err
	}
	if err := iter.Close(); err != nil {
		return deleted, fmt.Errorf("failed to scan expired records: %w", err)
	}

	if deleted > 0 {
		util.Info("Expired records deleted", util.Int("deleted_count", deleted))
	}
	return deleted, nil
}

// ReconcileDuplicates removes all but the newest active record in the
// partition; terminal rows stay so used/locked answers survive.
func (s *Store) ReconcileDuplicates(ctx context.Context, destination, otpContext string, ch model.Channel) error {
	iter := s.session.Query(`
        SELECT session_id, created_at, used, locked, expires_at FROM otp_attempts
        WHERE destination = ? AND context = ? AND channel = ?`,
		destination, otpContext, string(ch),
	).WithContext(ctx).Iter()

	type row struct {
		session   string
		createdAt time.Time
	}
	now := time.Now().UTC()
	var rows []row
	var session string
	var createdAt, expiresAt time.Time
	var used, locked bool
	for iter.Scan(&session, &createdAt, &used, &locked, &expiresAt) {
		if used || locked || now.After(expiresAt) {
			continue
		}
		rows = append(rows, row{session, createdAt})
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("failed to scan records: %w", err)
	}
	if len(rows) <= 1 {
		return nil
	}

	newest := rows[0]
	for _, r := range rows[1:] {
		if r.createdAt.After(newest.createdAt) {
			newest = r
		}
	}

	for _, r := range rows {
		if r.session == newest.session {
			continue
		}
		err := s.session.Query(`
            DELETE FROM otp_attempts
            WHERE destination = ? AND context = ? AND channel = ? AND session_id = ?`,
			destination, otpContext, string(ch), r.session,
		).WithContext(ctx).Exec()
		if err != nil {
			util.Warn("Failed to remove duplicate record",
				util.String("session_id", r.session),
				util.ErrorField(err))
		}
	}
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.session.Query(`SELECT now() FROM system.local`).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("scylla probe failed: %w", err)
	}
	return nil
}

// Close terminates the underlying session.
func (s *Store) Close() {
	s.session.Close()
}

// findByIDQuery resolves a record by its synthetic id. The id is not
// part of the primary key, so this is a filtered scan; CQL requires
// LIMIT before ALLOW FILTERING.
const findByIDQuery = `
        SELECT destination, context, channel, session_id, id,
               code_hash, code_tag, meta_fingerprint,
               ip_address, user_agent, device_id, platform,
               attempts, max_attempts, used, locked, created_at, expires_at
        FROM otp_attempts WHERE id = ? LIMIT 1 ALLOW FILTERING`

// findByID only runs on the engine's own freshly created records.
func (s *Store) findByID(ctx context.Context, id string) (*model.CodeAttempt, error) {
	rec := &model.CodeAttempt{}
	var channel string

	err := s.session.Query(findByIDQuery, id).WithContext(ctx).Scan(
		&rec.Destination, &rec.Context, &channel, &rec.SessionID, &rec.ID,
		&rec.CodeHash, &rec.CodeTag, &rec.MetaFingerprint,
		&rec.Meta.IPAddress, &rec.Meta.UserAgent, &rec.Meta.DeviceID, &rec.Meta.Platform,
		&rec.Attempts, &rec.MaxAttempts, &rec.Used, &rec.Locked, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find record by id: %w", err)
	}
	rec.Channel = model.Channel(channel)
	return rec, nil
}
