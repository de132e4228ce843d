package resolver

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mailcove/coremail/internal/model"
	"github.com/mailcove/coremail/internal/store"
)

type fakeMeta struct {
	store.MetaStore
	domains   map[string]model.Domain
	aliases   map[string]string
	mailboxes map[string]model.Mailbox
	settings  map[uuid.UUID]model.DomainSettings
}

func (f *fakeMeta) GetDomainByName(_ context.Context, name string) (model.Domain, error) {
	d, ok := f.domains[name]
	if !ok {
		return model.Domain{}, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeMeta) ResolveAlias(_ context.Context, domain string) (string, bool, error) {
	p, ok := f.aliases[domain]
	return p, ok, nil
}

func (f *fakeMeta) GetMailboxByAddress(_ context.Context, addr string) (model.Mailbox, error) {
	m, ok := f.mailboxes[addr]
	if !ok {
		return model.Mailbox{}, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeMeta) GetMailbox(_ context.Context, id uuid.UUID) (model.Mailbox, error) {
	for _, m := range f.mailboxes {
		if m.ID == id {
			return m, nil
		}
	}
	return model.Mailbox{}, store.ErrNotFound
}

func (f *fakeMeta) GetDomainSettings(_ context.Context, domainID uuid.UUID) (model.DomainSettings, error) {
	s, ok := f.settings[domainID]
	if !ok {
		return model.DomainSettings{DomainID: domainID}, nil
	}
	return s, nil
}

func TestResolveLocalMailbox(t *testing.T) {
	domainID := uuid.New()
	meta := &fakeMeta{
		domains:   map[string]model.Domain{"example.com": {ID: domainID, Name: "example.com"}},
		mailboxes: map[string]model.Mailbox{"alice@example.com": {ID: uuid.New(), Address: "alice@example.com"}},
	}
	r := &Resolver{Meta: meta}

	res, err := r.Resolve(context.Background(), "Alice@Example.com")
	require.NoError(t, err)
	require.Equal(t, KindLocalMailbox, res.Kind)
	require.Equal(t, "alice@example.com", res.Mailbox.Address)
}

func TestResolveCatchAll(t *testing.T) {
	domainID := uuid.New()
	catchAll := model.Mailbox{ID: uuid.New(), Address: "catch@example.com"}
	meta := &fakeMeta{
		domains:   map[string]model.Domain{"example.com": {ID: domainID, Name: "example.com"}},
		mailboxes: map[string]model.Mailbox{"catch@example.com": catchAll},
		settings:  map[uuid.UUID]model.DomainSettings{domainID: {DomainID: domainID, CatchAllMailbox: uuid.NullUUID{UUID: catchAll.ID, Valid: true}}},
	}
	r := &Resolver{Meta: meta}

	res, err := r.Resolve(context.Background(), "unknown@example.com")
	require.NoError(t, err)
	require.Equal(t, KindCatchAll, res.Kind)
	require.Equal(t, catchAll.ID, res.Mailbox.ID)
}

func TestResolveRemote(t *testing.T) {
	r := &Resolver{Meta: &fakeMeta{domains: map[string]model.Domain{}}}

	res, err := r.Resolve(context.Background(), "someone@other.org")
	require.NoError(t, err)
	require.Equal(t, KindRemote, res.Kind)
}

func TestResolveAliasChainCycle(t *testing.T) {
	meta := &fakeMeta{
		domains: map[string]model.Domain{},
		aliases: map[string]string{
			"a.example": "b.example",
			"b.example": "a.example",
		},
	}
	r := &Resolver{Meta: meta}

	_, err := r.Resolve(context.Background(), "x@a.example")
	require.ErrorIs(t, err, ErrAliasCycle)
}
