// Package pgmeta implements internal/store.MetaStore against PostgreSQL
// using sqlx over the pgx stdlib driver.
package pgmeta

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mailcove/coremail/internal/model"
	"github.com/mailcove/coremail/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db   *sqlx.DB
	pool *pgxpool.Pool
}

// Open connects to Postgres and applies the bundled schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgmeta: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	db := sqlx.NewDb(sqlDB, "pgx")

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("pgmeta: schema: %w", err)
	}

	return &Store{db: db, pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return s.db.Close()
}

func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error) {
	var t model.Tenant
	err := s.db.GetContext(ctx, &t,
		`SELECT id, name, status, plan FROM tenants WHERE id = $1`, id)
	if err != nil {
		return model.Tenant{}, wrapNotFound(err)
	}
	return t, nil
}

func (s *Store) GetDomainByName(ctx context.Context, name string) (model.Domain, error) {
	var d model.Domain
	err := s.db.GetContext(ctx, &d,
		`SELECT id, tenant_id, name, verified, dkim_selector, dkim_key FROM domains WHERE name = $1`, name)
	if err != nil {
		return model.Domain{}, wrapNotFound(err)
	}
	return d, nil
}

func (s *Store) GetDomainSettings(ctx context.Context, domainID uuid.UUID) (model.DomainSettings, error) {
	var ds model.DomainSettings
	err := s.db.GetContext(ctx, &ds,
		`SELECT domain_id, catch_all_mailbox FROM domain_settings WHERE domain_id = $1`, domainID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.DomainSettings{DomainID: domainID}, nil
		}
		return model.DomainSettings{}, err
	}
	return ds, nil
}

// ResolveAlias implements the alias-domain substitution step of recipient
// resolution. Cycle bounding (depth 8) is the
// resolver's responsibility, not the store's — this call is a single hop.
func (s *Store) ResolveAlias(ctx context.Context, domain string) (string, bool, error) {
	var primary string
	err := s.db.GetContext(ctx, &primary,
		`SELECT primary_domain FROM domain_aliases WHERE alias_domain = $1`, domain)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return primary, true, nil
}

func (s *Store) GetMailboxByAddress(ctx context.Context, address string) (model.Mailbox, error) {
	var m model.Mailbox
	err := s.db.GetContext(ctx, &m,
		`SELECT id, tenant_id, domain_id, address, quota_set, quota, used_bytes, owner_user
		   FROM mailboxes WHERE address = $1`, address)
	if err != nil {
		return model.Mailbox{}, wrapNotFound(err)
	}
	return m, nil
}

func (s *Store) GetMailbox(ctx context.Context, id uuid.UUID) (model.Mailbox, error) {
	var m model.Mailbox
	err := s.db.GetContext(ctx, &m,
		`SELECT id, tenant_id, domain_id, address, quota_set, quota, used_bytes, owner_user
		   FROM mailboxes WHERE id = $1`, id)
	if err != nil {
		return model.Mailbox{}, wrapNotFound(err)
	}
	return m, nil
}

// IncrementMailboxUsage performs the atomic SQL increment for mailbox
// quota tracking — no in-process lock, the CHECK constraint on used_bytes
// rejects over-quota writes at the database level.
func (s *Store) IncrementMailboxUsage(ctx context.Context, id uuid.UUID, delta int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mailboxes SET used_bytes = used_bytes + $2 WHERE id = $1`, id, delta)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, tenantID uuid.UUID, email string) (model.User, error) {
	var u model.User
	err := s.db.GetContext(ctx, &u,
		`SELECT id, tenant_id, email, password_hash, active, role
		   FROM users WHERE tenant_id = $1 AND email = $2`, tenantID, email)
	if err != nil {
		return model.User{}, wrapNotFound(err)
	}
	return u, nil
}

func (s *Store) GetUserByEmailAnyTenant(ctx context.Context, email string) (model.User, error) {
	var u model.User
	err := s.db.GetContext(ctx, &u,
		`SELECT id, tenant_id, email, password_hash, active, role
		   FROM users WHERE email = $1`, email)
	if err != nil {
		return model.User{}, wrapNotFound(err)
	}
	return u, nil
}

// InsertMessage commits a Message row together with its QueueEntries in a
// single transaction: queue entries are always created atomically with
// the message row. Must be called only after the body has already
// landed in the blob store.
func (s *Store) InsertMessage(ctx context.Context, msg model.Message, entries []model.QueueEntry) (uuid.UUID, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, tenant_id, mailbox_id, envelope_from, envelope_to, subject,
			header_from, header_to, header_date, message_id_hdr, in_reply_to,
			refs, received_at, blob_path, size, seen, answered, flagged,
			deleted, draft, thread_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		msg.ID, msg.TenantID, msg.MailboxID, msg.EnvelopeFrom, pq.Array(msg.EnvelopeTo), msg.Subject,
		msg.From, msg.To, nullTime(msg.Date), msg.MessageID, msg.InReplyTo,
		pq.Array(msg.References), msg.ReceivedAt, msg.BlobPath, msg.Size,
		msg.Flags.Seen, msg.Flags.Answered, msg.Flags.Flagged, msg.Flags.Deleted, msg.Flags.Draft,
		nullUUID(msg.ThreadID))
	if err != nil {
		return uuid.Nil, fmt.Errorf("pgmeta: insert message: %w", err)
	}

	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO queue_entries (id, message_id, recipient, attempt, next_attempt_at, state, last_error, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			e.ID, msg.ID, e.Recipient, e.Attempt, e.NextAttemptAt, e.State, e.LastError, e.CreatedAt)
		if err != nil {
			return uuid.Nil, fmt.Errorf("pgmeta: insert queue entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, err
	}
	return msg.ID, nil
}

func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (model.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM messages WHERE id = $1`, id)
	if err != nil {
		return model.Message{}, wrapNotFound(err)
	}
	return row.toModel(), nil
}

func (s *Store) ListMailboxMessages(ctx context.Context, mailboxID uuid.UUID) ([]model.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM messages WHERE mailbox_id = $1 AND NOT deleted ORDER BY received_at ASC`, mailboxID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *Store) SetMessageFlags(ctx context.Context, id uuid.UUID, f model.MessageFlags) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET seen=$2, answered=$3, flagged=$4, deleted=$5, draft=$6 WHERE id=$1`,
		id, f.Seen, f.Answered, f.Flagged, f.Deleted, f.Draft)
	return err
}

func (s *Store) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	return err
}

func (s *Store) FindThread(ctx context.Context, tenantID uuid.UUID, refs []string) (model.Thread, bool, error) {
	if len(refs) == 0 {
		return model.Thread{}, false, nil
	}
	var t model.Thread
	err := s.db.GetContext(ctx, &t,
		`SELECT id, tenant_id, subject_hash, root_message_id FROM threads
		   WHERE tenant_id = $1 AND root_message_id = ANY($2) LIMIT 1`,
		tenantID, pq.Array(refs))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Thread{}, false, nil
		}
		return model.Thread{}, false, err
	}
	return t, true, nil
}

func (s *Store) CreateThread(ctx context.Context, t model.Thread) (uuid.UUID, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, tenant_id, subject_hash, root_message_id) VALUES ($1,$2,$3,$4)`,
		t.ID, t.TenantID, t.SubjectHash, t.RootMessageID)
	return t.ID, err
}

// ListHooks is the registry query: hooks of the given type,
// enabled, ordered by priority ascending. Results MAY be cached by the
// caller with a TTL ≤ 30s (internal/hook.Registry does so).
func (s *Store) ListHooks(ctx context.Context, hookType model.HookType) ([]model.Hook, error) {
	var rows []hookRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM hooks WHERE type = $1 AND enabled ORDER BY priority ASC`, hookType)
	if err != nil {
		return nil, err
	}
	out := make([]model.Hook, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// DequeuePending atomically claims up to limit Pending rows whose
// next_attempt_at has passed, marking them InFlight in the same statement
// (the Postgres equivalent of SELECT … FOR UPDATE SKIP LOCKED).
func (s *Store) DequeuePending(ctx context.Context, limit int) ([]model.QueueEntry, error) {
	var rows []queueRow
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE queue_entries SET state = 'in_flight'
		WHERE id IN (
			SELECT id FROM queue_entries
			WHERE state = 'pending' AND next_attempt_at <= now()
			ORDER BY next_attempt_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.QueueEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *Store) UpdateQueueEntry(ctx context.Context, e model.QueueEntry) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET attempt=$2, next_attempt_at=$3, state=$4, last_error=$5
		WHERE id = $1`, e.ID, e.Attempt, e.NextAttemptAt, e.State, e.LastError)
	return err
}

func (s *Store) CountQueueEntriesForMessage(ctx context.Context, messageID uuid.UUID) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM queue_entries WHERE message_id = $1`, messageID)
	return n, err
}

// ListReferencedBlobPaths implements store.ReferencedBlobsLister.
func (s *Store) ListReferencedBlobPaths(ctx context.Context) ([]string, error) {
	var paths []string
	err := s.db.SelectContext(ctx, &paths, `SELECT DISTINCT blob_path FROM messages`)
	return paths, err
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullUUID(n uuid.NullUUID) interface{} {
	if !n.Valid {
		return nil
	}
	return n.UUID
}

func wrapNotFound(err error) error {
	if err == nil {
		return nil
	}
	// sql.ErrNoRows is returned by sqlx Get/Select when zero rows match.
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
