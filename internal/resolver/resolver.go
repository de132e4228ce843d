// Package resolver implements recipient resolution: given an envelope
// recipient, decide whether it is a local mailbox, an alias to rewrite,
// a domain catch-all, a remote address to relay, or unknown.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mailcove/coremail/internal/address"
	"github.com/mailcove/coremail/internal/model"
	"github.com/mailcove/coremail/internal/store"
)

// maxAliasDepth bounds domain-alias chain resolution so a misconfigured
// alias cycle cannot loop forever.
const maxAliasDepth = 8

type Kind int

const (
	KindUnknown Kind = iota
	KindLocalMailbox
	KindCatchAll
	KindRemote
)

// Result is the outcome of resolving a single recipient address.
type Result struct {
	Kind      Kind
	Mailbox   model.Mailbox // valid when Kind is KindLocalMailbox or KindCatchAll
	TenantID  uuid.UUID
	DomainID  uuid.UUID
	Address   string // the clean, alias-substituted address used for the match
}

var ErrAliasCycle = errors.New("resolver: domain alias cycle exceeds depth limit")

type Resolver struct {
	Meta store.MetaStore
}

// Resolve classifies rcptTo: normalize, follow domain aliases up to
// maxAliasDepth, then try an exact mailbox match before falling back to
// the domain's catch-all, and finally to "remote" if the domain isn't
// hosted here at all.
func (r *Resolver) Resolve(ctx context.Context, rcptTo string) (Result, error) {
	parsed, err := address.Parse(rcptTo)
	if err != nil {
		return Result{}, fmt.Errorf("resolver: %w", err)
	}
	clean := parsed.ForLookup()

	local, domainName, err := address.Split(clean)
	if err != nil {
		return Result{}, fmt.Errorf("resolver: %w", err)
	}

	domainName, err = r.resolveAliasChain(ctx, domainName)
	if err != nil {
		return Result{}, err
	}
	clean = local + "@" + domainName

	domain, err := r.Meta.GetDomainByName(ctx, domainName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Kind: KindRemote, Address: clean}, nil
		}
		return Result{}, err
	}

	mbox, err := r.Meta.GetMailboxByAddress(ctx, clean)
	if err == nil {
		return Result{
			Kind:     KindLocalMailbox,
			Mailbox:  mbox,
			TenantID: domain.TenantID,
			DomainID: domain.ID,
			Address:  clean,
		}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	settings, err := r.Meta.GetDomainSettings(ctx, domain.ID)
	if err != nil {
		return Result{}, err
	}
	if settings.CatchAllMailbox.Valid {
		mbox, err := r.Meta.GetMailbox(ctx, settings.CatchAllMailbox.UUID)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Kind:     KindCatchAll,
			Mailbox:  mbox,
			TenantID: domain.TenantID,
			DomainID: domain.ID,
			Address:  clean,
		}, nil
	}

	return Result{Kind: KindUnknown, TenantID: domain.TenantID, DomainID: domain.ID, Address: clean}, nil
}

func (r *Resolver) resolveAliasChain(ctx context.Context, domain string) (string, error) {
	seen := make(map[string]struct{}, maxAliasDepth)
	for i := 0; i < maxAliasDepth; i++ {
		if _, ok := seen[domain]; ok {
			return "", ErrAliasCycle
		}
		seen[domain] = struct{}{}

		primary, ok, err := r.Meta.ResolveAlias(ctx, domain)
		if err != nil {
			return "", err
		}
		if !ok {
			return domain, nil
		}
		domain = primary
	}
	return "", ErrAliasCycle
}
