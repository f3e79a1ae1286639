package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

type fakeHandle struct {
	name string
}

func TestRegister_Duplicate(t *testing.T) {
	r := New[*fakeHandle]()
	first := &fakeHandle{name: "bind10"}

	if err := r.Register("bind10", first); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register("bind10", &fakeHandle{name: "imposter"})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("second Register err = %v, want ErrDuplicateName", err)
	}
	if !strings.Contains(err.Error(), "bind10") {
		t.Errorf("error %q should name the process", err)
	}

	got, err := r.Lookup("bind10")
	if err != nil || got != first {
		t.Errorf("Lookup = %v, %v; duplicate must not overwrite", got, err)
	}
}

func TestLookup_NotFound(t *testing.T) {
	r := New[*fakeHandle]()
	got, err := r.Lookup("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if got != nil {
		t.Errorf("Lookup returned %v for missing name", got)
	}
}

func TestRemove(t *testing.T) {
	r := New[*fakeHandle]()
	for _, n := range []string{"a", "b", "c"} {
		if err := r.Register(n, &fakeHandle{name: n}); err != nil {
			t.Fatalf("Register %s: %v", n, err)
		}
	}

	h, err := r.Remove("b")
	if err != nil || h.name != "b" {
		t.Fatalf("Remove(b) = %v, %v", h, err)
	}
	if _, err := r.Remove("b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove err = %v, want ErrNotFound", err)
	}
	if got := strings.Join(r.Names(), ","); got != "a,c" {
		t.Errorf("Names = %s, want a,c", got)
	}

	// A removed name can be registered again.
	if err := r.Register("b", &fakeHandle{name: "b2"}); err != nil {
		t.Errorf("re-Register after Remove: %v", err)
	}
}

func TestReplace(t *testing.T) {
	r := New[string]()
	if err := r.Replace("x", "v"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Replace missing err = %v", err)
	}
	r.Register("x", "old")
	if err := r.Replace("x", "new"); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if v, _ := r.Lookup("x"); v != "new" {
		t.Errorf("Lookup = %q after Replace", v)
	}
}

func TestAll_RegistrationOrder(t *testing.T) {
	r := New[*fakeHandle]()
	names := []string{"server1", "server2", "resolver"}
	for _, n := range names {
		r.Register(n, &fakeHandle{name: n})
	}

	all := r.All()
	if len(all) != len(names) || r.Len() != len(names) {
		t.Fatalf("All len = %d, Len = %d", len(all), r.Len())
	}
	for i, h := range all {
		if h.name != names[i] {
			t.Errorf("All[%d] = %s, want %s", i, h.name, names[i])
		}
	}
}

func TestRegister_ConcurrentSameName(t *testing.T) {
	r := New[int]()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.Register("contended", i); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d registrations succeeded, want exactly 1", wins)
	}
}

func TestRegister_ConcurrentDistinctNames(t *testing.T) {
	r := New[int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Register(fmt.Sprintf("p%d", i), i)
		}(i)
	}
	wg.Wait()
	if r.Len() != 50 {
		t.Errorf("Len = %d, want 50", r.Len())
	}
}
