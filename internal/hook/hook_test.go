package hook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mailcove/coremail/internal/model"
	"github.com/mailcove/coremail/internal/store"
)

type fakeMeta struct {
	store.MetaStore
	hooks []model.Hook
}

func (f *fakeMeta) ListHooks(_ context.Context, t model.HookType) ([]model.Hook, error) {
	var out []model.Hook
	for _, h := range f.hooks {
		if h.Type == t && h.Enabled {
			out = append(out, h)
		}
	}
	return out, nil
}

func newHook(name string, priority int, onErr model.FailPolicy) model.Hook {
	return model.Hook{
		ID:         uuid.New(),
		Name:       name,
		Type:       model.HookPreReceive,
		PluginKind: model.PluginNative,
		PluginID:   name,
		Enabled:    true,
		Priority:   priority,
		Timeout:    time.Second,
		OnTimeout:  model.PolicyContinue,
		OnError:    onErr,
	}
}

func TestRunAllowChain(t *testing.T) {
	hooks := []model.Hook{newHook("first", 0, model.PolicyContinue), newHook("second", 1, model.PolicyContinue)}
	meta := &fakeMeta{hooks: hooks}
	reg := NewRegistry(meta, time.Minute)

	var order []string
	e := &Executor{
		Registry: reg,
		Natives: map[string]NativePlugin{
			"first": func(_ context.Context, _ *Envelope, _ json.RawMessage) (Verdict, string, error) {
				order = append(order, "first")
				return VerdictAllow, "", nil
			},
			"second": func(_ context.Context, _ *Envelope, _ json.RawMessage) (Verdict, string, error) {
				order = append(order, "second")
				return VerdictAllow, "", nil
			},
		},
	}

	d, err := e.Run(context.Background(), model.HookPreReceive, &Envelope{})
	require.NoError(t, err)
	require.Equal(t, VerdictAllow, d.Verdict)
	require.Equal(t, []string{"first", "second"}, order)
}

func TestRunRejectShortCircuits(t *testing.T) {
	hooks := []model.Hook{newHook("blocker", 0, model.PolicyContinue), newHook("never", 1, model.PolicyContinue)}
	meta := &fakeMeta{hooks: hooks}
	reg := NewRegistry(meta, time.Minute)

	called := false
	e := &Executor{
		Registry: reg,
		Natives: map[string]NativePlugin{
			"blocker": func(_ context.Context, _ *Envelope, _ json.RawMessage) (Verdict, string, error) {
				return VerdictReject, "spam", nil
			},
			"never": func(_ context.Context, _ *Envelope, _ json.RawMessage) (Verdict, string, error) {
				called = true
				return VerdictAllow, "", nil
			},
		},
	}

	d, err := e.Run(context.Background(), model.HookPreReceive, &Envelope{})
	require.NoError(t, err)
	require.Equal(t, VerdictReject, d.Verdict)
	require.Equal(t, "spam", d.Reason)
	require.False(t, called)
}

func TestRunErrorFailPolicyEscalatesToTempfail(t *testing.T) {
	hooks := []model.Hook{newHook("flaky", 0, model.PolicyFail)}
	meta := &fakeMeta{hooks: hooks}
	reg := NewRegistry(meta, time.Minute)

	e := &Executor{
		Registry: reg,
		Natives: map[string]NativePlugin{
			"flaky": func(context.Context, *Envelope, json.RawMessage) (Verdict, string, error) {
				return VerdictAllow, "", context.Canceled
			},
		},
	}

	d, err := e.Run(context.Background(), model.HookPreReceive, &Envelope{})
	require.NoError(t, err)
	require.Equal(t, VerdictTempfail, d.Verdict)
}

func TestRunErrorContinuePolicySkips(t *testing.T) {
	hooks := []model.Hook{newHook("flaky", 0, model.PolicyContinue), newHook("after", 1, model.PolicyContinue)}
	meta := &fakeMeta{hooks: hooks}
	reg := NewRegistry(meta, time.Minute)

	ran := false
	e := &Executor{
		Registry: reg,
		Natives: map[string]NativePlugin{
			"flaky": func(context.Context, *Envelope, json.RawMessage) (Verdict, string, error) {
				return VerdictAllow, "", context.Canceled
			},
			"after": func(context.Context, *Envelope, json.RawMessage) (Verdict, string, error) {
				ran = true
				return VerdictAllow, "", nil
			},
		},
	}

	d, err := e.Run(context.Background(), model.HookPreReceive, &Envelope{})
	require.NoError(t, err)
	require.Equal(t, VerdictAllow, d.Verdict)
	require.True(t, ran)
}
