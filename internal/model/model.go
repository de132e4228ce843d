// Package model defines the relational entities shared by every subsystem:
// tenants, domains, mailboxes, users, messages, hooks and queue entries.
//
// These types mirror the schema in internal/store/pgmeta/schema.sql. They
// carry no behavior of their own beyond the small helpers attached here;
// business logic lives in the packages that consume them (hook, queue,
// resolver, endpoint/*).
package model

import (
	"time"

	"github.com/google/uuid"
)

// TenantStatus is the lifecycle state of a Tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantDeleted   TenantStatus = "deleted"
)

type Tenant struct {
	ID     uuid.UUID    `db:"id"`
	Name   string       `db:"name"`
	Status TenantStatus `db:"status"`
	Plan   string       `db:"plan"`
}

type Domain struct {
	ID           uuid.UUID `db:"id"`
	TenantID     uuid.UUID `db:"tenant_id"`
	Name         string    `db:"name"` // lowercased
	Verified     bool      `db:"verified"`
	DKIMSelector string    `db:"dkim_selector"`
	DKIMKey      []byte    `db:"dkim_key"` // PEM-encoded private key, optional
}

// DomainSettings carries the per-domain catch-all configuration referenced
// by the recipient resolver (internal/resolver).
type DomainSettings struct {
	DomainID        uuid.UUID     `db:"domain_id"`
	CatchAllMailbox uuid.NullUUID `db:"catch_all_mailbox"`
}

// DomainAlias substitutes AliasDomain for PrimaryDomain during resolution.
// Resolution follows the chain recursively, bounded at depth 8 (see
// internal/resolver).
type DomainAlias struct {
	AliasDomain   string `db:"alias_domain"`
	PrimaryDomain string `db:"primary_domain"`
}

type UserRole string

const (
	RoleSuperAdmin  UserRole = "super_admin"
	RoleTenantAdmin UserRole = "tenant_admin"
	RoleDomainAdmin UserRole = "domain_admin"
	RoleUser        UserRole = "user"
)

type User struct {
	ID           uuid.UUID `db:"id"`
	TenantID     uuid.UUID `db:"tenant_id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"` // Argon2id, auth.HashPassword's "time:memory:threads:salt:hash" form, not a PHC string
	Active       bool      `db:"active"`
	Role         UserRole  `db:"role"`
}

type Mailbox struct {
	ID        uuid.UUID     `db:"id"`
	TenantID  uuid.UUID     `db:"tenant_id"`
	DomainID  uuid.UUID     `db:"domain_id"`
	Address   string        `db:"address"` // canonical, lowercased
	QuotaSet  bool          `db:"quota_set"`
	Quota     int64         `db:"quota"`
	UsedBytes int64         `db:"used_bytes"`
	OwnerUser uuid.NullUUID `db:"owner_user"`
}

// OverQuota reports whether adding n bytes would violate the mailbox quota.
func (m Mailbox) OverQuota(n int64) bool {
	if !m.QuotaSet {
		return false
	}
	return m.UsedBytes+n > m.Quota
}

type MessageFlags struct {
	Seen     bool
	Answered bool
	Flagged  bool
	Deleted  bool
	Draft    bool
}

type Message struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	MailboxID      uuid.UUID
	EnvelopeFrom   string
	EnvelopeTo     []string
	Subject        string
	From           string
	To             string
	Date           time.Time
	MessageID      string
	InReplyTo      string
	References     []string
	ReceivedAt     time.Time
	BlobPath       string
	Size           int64
	Flags          MessageFlags
	ThreadID       uuid.NullUUID
}

type Thread struct {
	ID            uuid.UUID `db:"id"`
	TenantID      uuid.UUID `db:"tenant_id"`
	SubjectHash   string    `db:"subject_hash"`
	RootMessageID string    `db:"root_message_id"`
}

// HookType is a reception/delivery checkpoint at which a Hook can run.
type HookType string

const (
	HookPreReceive   HookType = "pre_receive"
	HookPostReceive  HookType = "post_receive"
	HookPreSend      HookType = "pre_send"
	HookPreDelivery  HookType = "pre_delivery"
)

// FailPolicy controls what happens when a hook invocation times out or
// errors out.
type FailPolicy string

const (
	PolicyContinue FailPolicy = "continue"
	PolicyFail     FailPolicy = "fail"
)

// PluginKind selects the transport used to reach a Hook's plugin.
type PluginKind string

const (
	PluginNative PluginKind = "native"
	PluginHTTP   PluginKind = "http"
)

type Hook struct {
	ID         uuid.UUID
	TenantID   uuid.NullUUID // null = global
	Name       string
	Type       HookType
	PluginKind PluginKind
	PluginID   string // native registration name, or HTTP URL
	Enabled    bool
	Priority   int // lower runs earlier
	Timeout    time.Duration
	OnTimeout  FailPolicy
	OnError    FailPolicy
	FilterCfg  []byte // JSON
	PluginCfg  []byte // JSON
}

// QueueState is the lifecycle of a QueueEntry. Delivered, Bounced and
// Failed are absorbing terminal states.
type QueueState string

const (
	QueuePending   QueueState = "pending"
	QueueInFlight  QueueState = "in_flight"
	QueueDelivered QueueState = "delivered"
	QueueBounced   QueueState = "bounced"
	QueueFailed    QueueState = "failed"
)

func (s QueueState) Terminal() bool {
	return s == QueueDelivered || s == QueueBounced || s == QueueFailed
}

type QueueEntry struct {
	ID            uuid.UUID
	MessageID     uuid.UUID
	Recipient     string
	Attempt       int
	NextAttemptAt time.Time
	State         QueueState
	LastError     string
	CreatedAt     time.Time
}
