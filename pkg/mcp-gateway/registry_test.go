package mcpgateway

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/vikashloomba/mcp-hub-go/pkg/router"
)

func TestRegistryConcurrentAddRemoveKeepsCount(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	const n = 200
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("s-%d", i)
			if err := reg.Add(&Session{ID: id, Scope: router.Global}); err != nil {
				t.Errorf("add %s: %v", id, err)
				return
			}
			if i%2 == 0 {
				if _, ok := reg.Remove(id); !ok {
					t.Errorf("remove %s: not found", id)
				}
			}
			_ = reg.Count()
		}()
	}
	wg.Wait()

	if got := reg.Count(); got != n/2 {
		t.Fatalf("Count() = %d, want %d", got, n/2)
	}
	if got := len(reg.Sessions()); got != n/2 {
		t.Fatalf("len(Sessions()) = %d, want %d", got, n/2)
	}
}

func TestRegistryRejectsDuplicateIDs(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	if err := reg.Add(&Session{ID: "a"}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := reg.Add(&Session{ID: "a"}); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("duplicate add error = %v, want ErrSessionExists", err)
	}
	if err := reg.Add(&Session{}); err == nil {
		t.Fatalf("expected error for empty id")
	}
	if got := reg.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
}

func TestRegistryScopeAndRemove(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	scope := router.Scope{Kind: router.ScopeGroup, Name: "g1"}
	if err := reg.Add(&Session{ID: "a", Scope: scope}); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, ok := reg.Scope("a")
	if !ok || got != scope {
		t.Fatalf("Scope(a) = %v, %v", got, ok)
	}
	if _, ok := reg.Remove("missing"); ok {
		t.Fatalf("removing an unknown id reported success")
	}
	if _, ok := reg.Remove("a"); !ok {
		t.Fatalf("remove a failed")
	}
	if _, ok := reg.Scope("a"); ok {
		t.Fatalf("scope still present after remove")
	}
	if got := reg.Count(); got != 0 {
		t.Fatalf("Count() = %d, want 0", got)
	}
}
