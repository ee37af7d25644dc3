package session

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistryBindResolveUnbind(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Resolve("c1"); ok {
		t.Fatal("unbound connection must not resolve")
	}

	r.Bind("c1", Identity{UserID: "usr_1", Login: "alice"})
	r.Bind("c1", Identity{UserID: "usr_2", Login: "bob"})
	got, ok := r.Resolve("c1")
	if !ok || got.Login != "bob" {
		t.Fatalf("rebinding should replace, got %+v %v", got, ok)
	}

	if _, ok := r.Unbind("c1"); !ok {
		t.Fatal("Unbind of a bound connection should report true")
	}
	if _, ok := r.Unbind("c1"); ok {
		t.Fatal("second Unbind should report false")
	}
	if r.Count() != 0 {
		t.Fatalf("Count = %d, want 0", r.Count())
	}
}

func TestRegistryLoginsAreDistinct(t *testing.T) {
	r := NewRegistry()
	r.Bind("c1", Identity{UserID: "usr_1", Login: "alice"})
	r.Bind("c2", Identity{UserID: "usr_1", Login: "alice"})
	r.Bind("c3", Identity{UserID: "usr_2", Login: "bob"})

	if got := fmt.Sprint(r.Logins()); got != "[alice bob]" {
		t.Fatalf("Logins = %s", got)
	}
	if r.Count() != 3 {
		t.Fatalf("Count = %d, want 3", r.Count())
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			r.Bind(id, Identity{UserID: id, Login: id})
			r.Resolve(id)
			if i%2 == 0 {
				r.Unbind(id)
			}
		}(i)
	}
	wg.Wait()
	if r.Count() != 25 {
		t.Fatalf("Count = %d, want 25", r.Count())
	}
}
