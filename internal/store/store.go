// Package store defines the two cooperating stores a message lifecycle
// needs: a content-addressed BlobStore for message bodies and a
// relational MetaStore for everything else. Commit order is always body
// first, then metadata, so an orphan blob is tolerable but a metadata
// row pointing at a missing blob never happens.
package store

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/mailcove/coremail/internal/model"
)

var ErrNoSuchBlob = errors.New("store: no such blob")
var ErrNotFound = errors.New("store: not found")

// BlobStore is content-addressed: Put returns the path a later Open
// will need. It never mutates a stored blob.
type BlobStore interface {
	// Put streams r to storage and returns the content-addressed path.
	// size may be -1 if unknown.
	Put(ctx context.Context, r io.Reader, size int64) (path string, err error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, paths []string) error
}

// MetaStore is the relational side: tenants, domains, mailboxes, users,
// messages, hooks and queue entries. Every method is scoped implicitly by
// the tenant/mailbox ids passed in — MetaStore itself enforces no
// additional isolation, callers must pass the correct scope.
type MetaStore interface {
	// Tenants, domains, mailboxes, users.
	GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error)
	GetDomainByName(ctx context.Context, name string) (model.Domain, error)
	GetDomainSettings(ctx context.Context, domainID uuid.UUID) (model.DomainSettings, error)
	ResolveAlias(ctx context.Context, domain string) (primary string, ok bool, err error)
	GetMailboxByAddress(ctx context.Context, address string) (model.Mailbox, error)
	GetMailbox(ctx context.Context, id uuid.UUID) (model.Mailbox, error)
	IncrementMailboxUsage(ctx context.Context, id uuid.UUID, delta int64) error
	GetUserByEmail(ctx context.Context, tenantID uuid.UUID, email string) (model.User, error)
	GetUserByEmailAnyTenant(ctx context.Context, email string) (model.User, error)

	// Messages. InsertMessage is called after the blob commit succeeds
	// and is the point at which QueueEntries are created atomically
	// alongside it.
	InsertMessage(ctx context.Context, msg model.Message, entries []model.QueueEntry) (uuid.UUID, error)
	GetMessage(ctx context.Context, id uuid.UUID) (model.Message, error)
	ListMailboxMessages(ctx context.Context, mailboxID uuid.UUID) ([]model.Message, error)
	SetMessageFlags(ctx context.Context, id uuid.UUID, flags model.MessageFlags) error
	DeleteMessage(ctx context.Context, id uuid.UUID) error

	// Threads.
	FindThread(ctx context.Context, tenantID uuid.UUID, messageIDRefs []string) (model.Thread, bool, error)
	CreateThread(ctx context.Context, t model.Thread) (uuid.UUID, error)

	// Hooks.
	ListHooks(ctx context.Context, hookType model.HookType) ([]model.Hook, error)

	// Queue.
	DequeuePending(ctx context.Context, limit int) ([]model.QueueEntry, error)
	UpdateQueueEntry(ctx context.Context, e model.QueueEntry) error
	CountQueueEntriesForMessage(ctx context.Context, messageID uuid.UUID) (int, error)
}
