package session

import (
	"net/http/cookiejar"
	"net/url"
	"sync"

	log "github.com/sirupsen/logrus"

	"anubisolver/storage"
)

// Registry hands out one cookie jar per upstream host so session
// credentials survive across requests to the same host. Jars live for
// the process lifetime; there is no eviction.
type Registry struct {
	mu    sync.Mutex
	jars  map[string]*cookiejar.Jar
	store *storage.Store
}

// NewRegistry builds an empty registry. store may be nil; when set,
// fresh jars are seeded with that host's persisted session cookies.
func NewRegistry(store *storage.Store) *Registry {
	return &Registry{
		jars:  make(map[string]*cookiejar.Jar),
		store: store,
	}
}

// GetOrCreate returns the jar for host, creating it on first access.
// Insert-if-absent happens under the registry mutex, so concurrent
// first requests for a host always share a single jar.
func (r *Registry) GetOrCreate(host string) *cookiejar.Jar {
	r.mu.Lock()
	defer r.mu.Unlock()

	if jar, ok := r.jars[host]; ok {
		return jar
	}

	jar, _ := cookiejar.New(nil) // err is always nil without PublicSuffixList
	if r.store != nil {
		if cookies, err := r.store.LoadCookies(host); err != nil {
			log.WithError(err).WithField("host", host).Warn("Could not load persisted cookies")
		} else if len(cookies) > 0 {
			jar.SetCookies(hostURL(host), cookies)
		}
	}

	r.jars[host] = jar
	return jar
}

// Persist writes the host's current session cookies back to storage.
// A registry without a store persists nothing.
func (r *Registry) Persist(host string) error {
	if r.store == nil {
		return nil
	}
	jar := r.GetOrCreate(host)
	return r.store.SaveCookies(host, jar.Cookies(hostURL(host)))
}

func hostURL(host string) *url.URL {
	return &url.URL{Scheme: "https", Host: host}
}
