package session

import (
	"net/http"
	"net/url"
	"sync"
	"testing"

	"anubisolver/storage"
)

func TestGetOrCreateReturnsSameJar(t *testing.T) {
	reg := NewRegistry(nil)

	first := reg.GetOrCreate("example.com")
	second := reg.GetOrCreate("example.com")

	if first != second {
		t.Fatal("two calls for the same host must return the same jar")
	}

	// A mutation through one handle is visible through the other.
	u := &url.URL{Scheme: "https", Host: "example.com"}
	first.SetCookies(u, []*http.Cookie{{Name: "session", Value: "abc"}})

	cookies := second.Cookies(u)
	if len(cookies) != 1 || cookies[0].Value != "abc" {
		t.Errorf("mutation not visible through second handle: %v", cookies)
	}
}

func TestGetOrCreateDistinctHosts(t *testing.T) {
	reg := NewRegistry(nil)

	if reg.GetOrCreate("a.example.com") == reg.GetOrCreate("b.example.com") {
		t.Fatal("distinct hosts must never share a jar")
	}
}

func TestGetOrCreateConcurrentFirstAccess(t *testing.T) {
	reg := NewRegistry(nil)

	const goroutines = 50
	jars := make([]interface{}, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jars[i] = reg.GetOrCreate("example.com")
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if jars[i] != jars[0] {
			t.Fatal("concurrent first access produced more than one jar")
		}
	}
}

func TestRegistrySeedsFromStore(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %s", err)
	}
	defer store.Close()

	err = store.SaveCookies("example.com", []*http.Cookie{
		{Name: "within.website-x-cmd-anubis-auth", Value: "jwt"},
	})
	if err != nil {
		t.Fatalf("SaveCookies: %s", err)
	}

	reg := NewRegistry(store)
	jar := reg.GetOrCreate("example.com")

	cookies := jar.Cookies(&url.URL{Scheme: "https", Host: "example.com"})
	if len(cookies) != 1 || cookies[0].Value != "jwt" {
		t.Errorf("jar not seeded from store: %v", cookies)
	}
}

func TestRegistryPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()

	store, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("storage.Open: %s", err)
	}

	reg := NewRegistry(store)
	jar := reg.GetOrCreate("example.com")
	jar.SetCookies(&url.URL{Scheme: "https", Host: "example.com"}, []*http.Cookie{
		{Name: "session", Value: "abc"},
	})

	if err := reg.Persist("example.com"); err != nil {
		t.Fatalf("Persist: %s", err)
	}
	store.Close()

	// A new process (fresh store and registry) sees the credential.
	store, err = storage.Open(dir)
	if err != nil {
		t.Fatalf("storage.Open (reopen): %s", err)
	}
	defer store.Close()

	jar = NewRegistry(store).GetOrCreate("example.com")
	cookies := jar.Cookies(&url.URL{Scheme: "https", Host: "example.com"})
	if len(cookies) != 1 || cookies[0].Value != "abc" {
		t.Errorf("persisted session not restored: %v", cookies)
	}
}
