// Package storetest provides in-memory doubles of store.MetaStore and
// store.BlobStore for tests that need a working store without Postgres
// or a filesystem.
package storetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mailcove/coremail/internal/model"
	"github.com/mailcove/coremail/internal/store"
)

// MetaStore is a minimal in-memory store.MetaStore. Callers populate the
// exported maps directly before exercising the code under test; the Err
// fields force a specific call to fail for error-path tests.
type MetaStore struct {
	mu sync.Mutex

	Tenants         map[uuid.UUID]model.Tenant
	Domains         map[string]model.Domain // keyed by name
	DomainSettings  map[uuid.UUID]model.DomainSettings
	Aliases         map[string]string // alias domain -> primary domain
	Mailboxes       map[uuid.UUID]model.Mailbox
	MailboxesByAddr map[string]uuid.UUID
	Users           map[string]model.User // keyed by email
	Messages        map[uuid.UUID]model.Message
	MailboxMessages map[uuid.UUID][]uuid.UUID // mailbox ID -> message IDs, insertion order
	Hooks           map[model.HookType][]model.Hook
	QueueEntries    map[uuid.UUID]model.QueueEntry

	GetMailboxByAddressErr error
	InsertMessageErr       error
	IncrementUsageErr      error
	DequeueErr             error
}

func NewMetaStore() *MetaStore {
	return &MetaStore{
		Tenants:         make(map[uuid.UUID]model.Tenant),
		Domains:         make(map[string]model.Domain),
		DomainSettings:  make(map[uuid.UUID]model.DomainSettings),
		Aliases:         make(map[string]string),
		Mailboxes:       make(map[uuid.UUID]model.Mailbox),
		MailboxesByAddr: make(map[string]uuid.UUID),
		Users:           make(map[string]model.User),
		Messages:        make(map[uuid.UUID]model.Message),
		MailboxMessages: make(map[uuid.UUID][]uuid.UUID),
		Hooks:           make(map[model.HookType][]model.Hook),
		QueueEntries:    make(map[uuid.UUID]model.QueueEntry),
	}
}

// AddMailbox registers mbox under its Address and ID so both
// GetMailboxByAddress and GetMailbox find it.
func (m *MetaStore) AddMailbox(mbox model.Mailbox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Mailboxes[mbox.ID] = mbox
	m.MailboxesByAddr[mbox.Address] = mbox.ID
}

func (m *MetaStore) AddDomain(d model.Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Domains[d.Name] = d
}

func (m *MetaStore) GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tenants[id]
	if !ok {
		return model.Tenant{}, store.ErrNotFound
	}
	return t, nil
}

func (m *MetaStore) GetDomainByName(ctx context.Context, name string) (model.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Domains[name]
	if !ok {
		return model.Domain{}, store.ErrNotFound
	}
	return d, nil
}

func (m *MetaStore) GetDomainSettings(ctx context.Context, domainID uuid.UUID) (model.DomainSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.DomainSettings[domainID]
	if !ok {
		return model.DomainSettings{DomainID: domainID}, nil
	}
	return s, nil
}

func (m *MetaStore) ResolveAlias(ctx context.Context, domain string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	primary, ok := m.Aliases[domain]
	return primary, ok, nil
}

func (m *MetaStore) GetMailboxByAddress(ctx context.Context, address string) (model.Mailbox, error) {
	if m.GetMailboxByAddressErr != nil {
		return model.Mailbox{}, m.GetMailboxByAddressErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.MailboxesByAddr[address]
	if !ok {
		return model.Mailbox{}, store.ErrNotFound
	}
	return m.Mailboxes[id], nil
}

func (m *MetaStore) GetMailbox(ctx context.Context, id uuid.UUID) (model.Mailbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mbox, ok := m.Mailboxes[id]
	if !ok {
		return model.Mailbox{}, store.ErrNotFound
	}
	return mbox, nil
}

func (m *MetaStore) IncrementMailboxUsage(ctx context.Context, id uuid.UUID, delta int64) error {
	if m.IncrementUsageErr != nil {
		return m.IncrementUsageErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mbox, ok := m.Mailboxes[id]
	if !ok {
		return store.ErrNotFound
	}
	mbox.UsedBytes += delta
	m.Mailboxes[id] = mbox
	return nil
}

func (m *MetaStore) GetUserByEmail(ctx context.Context, tenantID uuid.UUID, email string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[email]
	if !ok || u.TenantID != tenantID {
		return model.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *MetaStore) GetUserByEmailAnyTenant(ctx context.Context, email string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[email]
	if !ok {
		return model.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *MetaStore) InsertMessage(ctx context.Context, msg model.Message, entries []model.QueueEntry) (uuid.UUID, error) {
	if m.InsertMessageErr != nil {
		return uuid.Nil, m.InsertMessageErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	m.Messages[msg.ID] = msg
	m.MailboxMessages[msg.MailboxID] = append(m.MailboxMessages[msg.MailboxID], msg.ID)
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.MessageID = msg.ID
		m.QueueEntries[e.ID] = e
	}
	return msg.ID, nil
}

func (m *MetaStore) GetMessage(ctx context.Context, id uuid.UUID) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.Messages[id]
	if !ok {
		return model.Message{}, store.ErrNotFound
	}
	return msg, nil
}

func (m *MetaStore) ListMailboxMessages(ctx context.Context, mailboxID uuid.UUID) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.MailboxMessages[mailboxID]
	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := m.Messages[id]; ok {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (m *MetaStore) SetMessageFlags(ctx context.Context, id uuid.UUID, flags model.MessageFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.Messages[id]
	if !ok {
		return store.ErrNotFound
	}
	msg.Flags = flags
	m.Messages[id] = msg
	return nil
}

func (m *MetaStore) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.Messages[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(m.Messages, id)
	ids := m.MailboxMessages[msg.MailboxID]
	for i, mid := range ids {
		if mid == id {
			m.MailboxMessages[msg.MailboxID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MetaStore) FindThread(ctx context.Context, tenantID uuid.UUID, messageIDRefs []string) (model.Thread, bool, error) {
	return model.Thread{}, false, nil
}

func (m *MetaStore) CreateThread(ctx context.Context, t model.Thread) (uuid.UUID, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return t.ID, nil
}

func (m *MetaStore) ListHooks(ctx context.Context, hookType model.HookType) ([]model.Hook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Hooks[hookType], nil
}

func (m *MetaStore) DequeuePending(ctx context.Context, limit int) ([]model.QueueEntry, error) {
	if m.DequeueErr != nil {
		return nil, m.DequeueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.QueueEntry
	for _, e := range m.QueueEntries {
		if e.State == model.QueuePending {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MetaStore) UpdateQueueEntry(ctx context.Context, e model.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.QueueEntries[e.ID]; !ok {
		return store.ErrNotFound
	}
	m.QueueEntries[e.ID] = e
	return nil
}

func (m *MetaStore) CountQueueEntriesForMessage(ctx context.Context, messageID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.QueueEntries {
		if e.MessageID == messageID {
			n++
		}
	}
	return n, nil
}

var _ store.MetaStore = (*MetaStore)(nil)

// BlobStore is an in-memory store.BlobStore keyed by a monotonically
// increasing path, mirroring blobfs's "path identifies content" contract
// without touching disk.
type BlobStore struct {
	mu   sync.Mutex
	next int
	blobs map[string][]byte

	PutErr error
}

func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string][]byte)}
}

func (b *BlobStore) Put(ctx context.Context, r io.Reader, size int64) (string, error) {
	if b.PutErr != nil {
		return "", b.PutErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	path := fmt.Sprintf("blob-%d", b.next)
	b.blobs[path] = data
	return path, nil
}

func (b *BlobStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[path]
	if !ok {
		return nil, store.ErrNoSuchBlob
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *BlobStore) Delete(ctx context.Context, paths []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range paths {
		delete(b.blobs, p)
	}
	return nil
}

var _ store.BlobStore = (*BlobStore)(nil)
