// Package hook implements the priority-ordered filter pipeline: a cached
// registry of persisted Hook rows queried by checkpoint type, and an
// executor that runs them in priority order with per-hook timeout and
// continue/fail policy enforcement.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mailcove/coremail/framework/log"
	"github.com/mailcove/coremail/internal/model"
	"github.com/mailcove/coremail/internal/store"
)

// Verdict is the decision a single hook (or the aggregate chain) reaches.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictTag
	VerdictQuarantine
	VerdictReject
	VerdictTempfail
)

// Envelope is the subset of message state hooks are allowed to inspect
// and annotate at a given checkpoint.
type Envelope struct {
	TenantID     string
	From         string
	To           []string
	Subject      string
	Size         int64
	Tags         []string
	Quarantined  bool
}

// Decision is what Run returns: the aggregate verdict, its reason and the
// hook that produced it. Tags and the quarantine flag are recorded on the
// *Envelope passed to Run, in place.
type Decision struct {
	Verdict Verdict
	Reason  string
	HookName string
}

// NativePlugin is an in-process hook implementation, registered by name.
type NativePlugin func(ctx context.Context, env *Envelope, cfg json.RawMessage) (Verdict, string, error)

// Registry caches ListHooks results per HookType for up to ttl, since the
// hook chain is consulted on every message and a per-message DB round
// trip would dominate latency under load.
type Registry struct {
	Meta store.MetaStore
	TTL  time.Duration

	mu     sync.Mutex
	cached map[model.HookType]cacheEntry
}

type cacheEntry struct {
	hooks     []model.Hook
	expiresAt time.Time
}

func NewRegistry(meta store.MetaStore, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{Meta: meta, TTL: ttl, cached: make(map[model.HookType]cacheEntry)}
}

// Invalidate drops every cached entry so the next Hooks call re-reads
// the chain from storage, used when a reload signal tells the process
// its hook configuration may have changed.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = make(map[model.HookType]cacheEntry)
}

func (r *Registry) Hooks(ctx context.Context, t model.HookType) ([]model.Hook, error) {
	r.mu.Lock()
	if e, ok := r.cached[t]; ok && time.Now().Before(e.expiresAt) {
		r.mu.Unlock()
		return e.hooks, nil
	}
	r.mu.Unlock()

	hooks, err := r.Meta.ListHooks(ctx, t)
	if err != nil {
		return nil, err
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].Priority < hooks[j].Priority })

	r.mu.Lock()
	r.cached[t] = cacheEntry{hooks: hooks, expiresAt: time.Now().Add(r.TTL)}
	r.mu.Unlock()
	return hooks, nil
}

// Executor runs a checkpoint's hook chain in priority order.
type Executor struct {
	Registry *Registry
	Natives  map[string]NativePlugin
	HTTPClient *http.Client
	Log      log.Logger
}

// Run walks the hooks registered for t in priority order. A Reject or
// Tempfail from any hook short-circuits the chain. A timeout or error is
// handled per the hook's OnTimeout/OnError policy: Continue skips to the
// next hook, Fail escalates to Tempfail (so a misbehaving filter degrades
// to "try again later" rather than silently passing mail through).
func (e *Executor) Run(ctx context.Context, t model.HookType, env *Envelope) (Decision, error) {
	hooks, err := e.Registry.Hooks(ctx, t)
	if err != nil {
		return Decision{}, fmt.Errorf("hook: load chain: %w", err)
	}

	result := Decision{Verdict: VerdictAllow}
	for _, h := range hooks {
		v, reason, err := e.runOne(ctx, h, env)
		switch {
		case err == context.DeadlineExceeded:
			if h.OnTimeout == model.PolicyFail {
				return Decision{Verdict: VerdictTempfail, Reason: "hook timeout: " + h.Name, HookName: h.Name}, nil
			}
			e.Log.Msg("hook timed out, continuing per policy", "hook", h.Name)
			continue
		case err != nil:
			if h.OnError == model.PolicyFail {
				return Decision{Verdict: VerdictTempfail, Reason: "hook error: " + err.Error(), HookName: h.Name}, nil
			}
			e.Log.Error("hook failed, continuing per policy", err, "hook", h.Name)
			continue
		}

		switch v {
		case VerdictReject, VerdictTempfail:
			return Decision{Verdict: v, Reason: reason, HookName: h.Name}, nil
		case VerdictTag:
			env.Tags = append(env.Tags, reason)
		case VerdictQuarantine:
			env.Quarantined = true
		}
		if v > result.Verdict {
			result = Decision{Verdict: v, Reason: reason, HookName: h.Name}
		}
	}
	return result, nil
}

func (e *Executor) runOne(ctx context.Context, h model.Hook, env *Envelope) (Verdict, string, error) {
	hctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	type result struct {
		v      Verdict
		reason string
		err    error
	}
	done := make(chan result, 1)

	go func() {
		switch h.PluginKind {
		case model.PluginNative:
			plugin, ok := e.Natives[h.PluginID]
			if !ok {
				done <- result{err: fmt.Errorf("hook: unknown native plugin %q", h.PluginID)}
				return
			}
			v, reason, err := plugin(hctx, env, h.PluginCfg)
			done <- result{v: v, reason: reason, err: err}
		case model.PluginHTTP:
			v, reason, err := e.runHTTP(hctx, h, env)
			done <- result{v: v, reason: reason, err: err}
		default:
			done <- result{err: fmt.Errorf("hook: unknown plugin kind %q", h.PluginKind)}
		}
	}()

	select {
	case <-hctx.Done():
		return VerdictAllow, "", context.DeadlineExceeded
	case r := <-done:
		return r.v, r.reason, r.err
	}
}

// httpRequest/httpResponse are the wire shapes posted to an external
// collaborator plugin (e.g. rspamd, or a tenant-supplied webhook).
type httpRequest struct {
	Envelope Envelope        `json:"envelope"`
	Config   json.RawMessage `json:"config"`
}

type httpResponse struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
}

func (e *Executor) runHTTP(ctx context.Context, h model.Hook, env *Envelope) (Verdict, string, error) {
	body, err := json.Marshal(httpRequest{Envelope: *env, Config: h.PluginCfg})
	if err != nil {
		return VerdictAllow, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.PluginID, bytes.NewReader(body))
	if err != nil {
		return VerdictAllow, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := e.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return VerdictAllow, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return VerdictTempfail, fmt.Sprintf("hook %s: upstream status %d", h.Name, resp.StatusCode), nil
	}
	if resp.StatusCode >= 400 {
		return VerdictAllow, "", fmt.Errorf("hook %s: upstream status %d", h.Name, resp.StatusCode)
	}

	var out httpResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return VerdictAllow, "", fmt.Errorf("hook %s: decode response: %w", h.Name, err)
	}
	return parseVerdict(out.Verdict), out.Reason, nil
}

func parseVerdict(s string) Verdict {
	switch s {
	case "reject":
		return VerdictReject
	case "tempfail":
		return VerdictTempfail
	case "tag":
		return VerdictTag
	case "quarantine":
		return VerdictQuarantine
	default:
		return VerdictAllow
	}
}
