package reply

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wecombot/internal/target"
)

var alice = Key{AccountID: "default", Kind: target.KindUser, ID: "alice"}

func TestRegistry_LastWriterWins(t *testing.T) {
	r := NewRegistry()
	r.Register(alice, "https://reply.local/1")
	r.Register(alice, "https://reply.local/2")

	h, ok := r.Consume(alice)
	if !ok {
		t.Fatal("expected a handle")
	}
	if h.URL != "https://reply.local/2" {
		t.Errorf("expected most recent handle, got %s", h.URL)
	}

	if _, ok := r.Consume(alice); ok {
		t.Error("second consume should find nothing")
	}
}

func TestRegistry_KeysAreIndependent(t *testing.T) {
	r := NewRegistry()
	group := Key{AccountID: "default", Kind: target.KindGroup, ID: "alice"}
	other := Key{AccountID: "ops", Kind: target.KindUser, ID: "alice"}

	r.Register(alice, "https://reply.local/user")
	r.Register(group, "https://reply.local/group")
	r.Register(other, "https://reply.local/ops")
	if r.Len() != 3 {
		t.Fatalf("expected 3 handles, got %d", r.Len())
	}

	h, ok := r.Consume(group)
	if !ok || h.URL != "https://reply.local/group" {
		t.Errorf("unexpected group handle: %+v %v", h, ok)
	}
	if r.Len() != 2 {
		t.Errorf("expected 2 handles after consume, got %d", r.Len())
	}
}

func TestRegistry_Clear(t *testing.T) {
	r := NewRegistry()
	r.Register(alice, "https://reply.local/1")
	r.Clear()
	if _, ok := r.Consume(alice); ok {
		t.Error("clear should drop all handles")
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistry_CreatedAt(t *testing.T) {
	r := NewRegistry()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	r.Register(alice, "https://reply.local/1")
	h, _ := r.Consume(alice)
	if !h.CreatedAt.Equal(fixed) {
		t.Errorf("expected CreatedAt %v, got %v", fixed, h.CreatedAt)
	}
}

func TestRegistry_NoDoubleConsume(t *testing.T) {
	r := NewRegistry()
	const rounds = 200

	for i := 0; i < rounds; i++ {
		r.Register(alice, fmt.Sprintf("https://reply.local/%d", i))

		var wg sync.WaitGroup
		var hits atomic.Int32
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok := r.Consume(alice); ok {
					hits.Add(1)
				}
			}()
		}
		wg.Wait()
		if hits.Load() != 1 {
			t.Fatalf("round %d: handle consumed %d times", i, hits.Load())
		}
	}
}

func TestKeyFor(t *testing.T) {
	tgt, _ := target.Parse("user:alice")
	if got := KeyFor(tgt, "default"); got != alice {
		t.Errorf("unexpected key %+v", got)
	}

	tgt, _ = target.Parse("group:chat-1@ops")
	want := Key{AccountID: "ops", Kind: target.KindGroup, ID: "chat-1"}
	if got := KeyFor(tgt, "default"); got != want {
		t.Errorf("target account should win: %+v", got)
	}
	if want.String() != "ops/group:chat-1" {
		t.Errorf("unexpected key string %q", want.String())
	}
}
