package plugin

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog"
)

func TestRegisterReplacesByName(t *testing.T) {
	m := New(zerolog.Nop())
	m.Register(&Plugin{Name: "a"})
	m.Register(&Plugin{Name: "a"})

	if len(m.order) != 1 {
		t.Fatalf("expected 1 entry in order, got %d", len(m.order))
	}
}

func TestFanOutIsolatesErrors(t *testing.T) {
	m := New(zerolog.Nop())
	var called atomic.Bool

	m.Register(&Plugin{
		Name: "failing",
		OnBrowserClose: func(ctx context.Context, _ *rod.Browser) error {
			return errors.New("boom")
		},
	})
	m.Register(&Plugin{
		Name: "ok",
		OnBrowserClose: func(ctx context.Context, _ *rod.Browser) error {
			called.Store(true)
			return nil
		},
	})

	m.FanOutBrowserClose(context.Background(), nil)

	if !called.Load() {
		t.Fatal("expected second plugin's hook to run despite first erroring")
	}
}

func TestUnregisterRemovesFromOrder(t *testing.T) {
	m := New(zerolog.Nop())
	m.Register(&Plugin{Name: "a"})
	m.Register(&Plugin{Name: "b"})
	m.Unregister("a")

	if m.Get("a") != nil {
		t.Fatal("expected plugin a to be removed")
	}
	if len(m.order) != 1 || m.order[0] != "b" {
		t.Fatalf("expected order [b], got %v", m.order)
	}
}

func TestSessionEndFanOut(t *testing.T) {
	m := New(zerolog.Nop())
	var count atomic.Int32
	for _, name := range []string{"x", "y", "z"} {
		m.Register(&Plugin{
			Name: name,
			OnSessionEnd: func(ctx context.Context, cfg any) error {
				count.Add(1)
				return nil
			},
		})
	}
	m.FanOutSessionEnd(context.Background(), nil)
	if count.Load() != 3 {
		t.Fatalf("expected all 3 plugins invoked, got %d", count.Load())
	}
}
