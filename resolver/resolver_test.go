package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"anubisolver/challenge"
)

// fakeAnubis is a minimal challenge-gating upstream: unauthenticated
// requests get a challenge page, valid submissions get a 302 plus the
// session cookie, and authenticated requests get the protected content.
type fakeAnubis struct {
	payload    string
	algorithm  string
	difficulty int
	reject     bool

	mu     sync.Mutex
	agents []string
}

func (f *fakeAnubis) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.agents = append(f.agents, r.Header.Get("User-Agent"))
		f.mu.Unlock()

		if r.URL.Path == "/"+challenge.SubmissionPath {
			f.handleSubmission(w, r)
			return
		}

		if c, err := r.Cookie("anubis-auth"); err == nil && c.Value == "jwt" {
			w.Header().Set("X-Protected", "yes")
			fmt.Fprint(w, "protected content")
			return
		}

		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body>`+
			`<script id="anubis_challenge" type="application/json">{"challenge":{"id":"c1","randomData":%q},"rules":{"difficulty":%d,"algorithm":%q}}</script>`+
			`<script id="anubis_version" type="application/json">"1.21.3"</script>`+
			`</body></html>`, f.payload, f.difficulty, f.algorithm)
	}
}

func (f *fakeAnubis) handleSubmission(w http.ResponseWriter, r *http.Request) {
	if f.reject {
		http.Error(w, "rejected", http.StatusForbidden)
		return
	}

	q := r.URL.Query()
	if q.Get("id") != "c1" {
		http.Error(w, "missing id", http.StatusForbidden)
		return
	}

	ok := false
	switch f.algorithm {
	case "preact":
		sum := sha256.Sum256([]byte(f.payload))
		ok = q.Get("result") == hex.EncodeToString(sum[:])
	case "metarefresh":
		ok = q.Get("challenge") == f.payload
	default:
		sum := sha256.Sum256([]byte(f.payload + q.Get("nonce")))
		hexed := hex.EncodeToString(sum[:])
		ok = q.Get("response") == hexed && strings.HasPrefix(hexed, strings.Repeat("0", f.difficulty))
	}
	if !ok {
		http.Error(w, "bad proof", http.StatusForbidden)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: "anubis-auth", Value: "jwt", Path: "/"})
	http.Redirect(w, r, q.Get("redir"), http.StatusFound)
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New: %s", err)
	}
	return New(jar)
}

func TestResolvePassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Custom", "value")
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, "plain body")
	}))
	defer srv.Close()

	resp, err := newTestResolver(t).Resolve(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Resolve: %s", err)
	}

	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d; want %d", resp.StatusCode, http.StatusTeapot)
	}
	if string(resp.Body) != "plain body" {
		t.Errorf("body = %q; want unmodified upstream body", resp.Body)
	}
	if resp.Header.Get("X-Custom") != "value" {
		t.Error("upstream headers must pass through unmodified")
	}
}

func TestResolveProofOfWork(t *testing.T) {
	backend := &fakeAnubis{payload: "random-pow-data", algorithm: "fast", difficulty: 2}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	resp, err := newTestResolver(t).Resolve(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Resolve: %s", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d; want 200", resp.StatusCode)
	}
	if string(resp.Body) != "protected content" {
		t.Errorf("body = %q; want protected content", resp.Body)
	}

	// The submission and replay must carry the same identity as the
	// initial fetch.
	backend.mu.Lock()
	defer backend.mu.Unlock()
	for _, agent := range backend.agents {
		if agent != backend.agents[0] {
			t.Errorf("User-Agent changed across requests: %q vs %q", agent, backend.agents[0])
		}
	}
}

func TestResolvePreactWaitsMinimum(t *testing.T) {
	backend := &fakeAnubis{payload: "preact-data", algorithm: "preact", difficulty: 2}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	start := time.Now()
	resp, err := newTestResolver(t).Resolve(context.Background(), srv.URL)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Resolve: %s", err)
	}
	if string(resp.Body) != "protected content" {
		t.Errorf("body = %q; want protected content", resp.Body)
	}

	// difficulty 2 preact enforces a 160ms floor even though the hash
	// itself is instantaneous.
	if elapsed < 160*time.Millisecond {
		t.Errorf("resolution took %s; preact difficulty 2 requires >= 160ms", elapsed)
	}
}

func TestResolveMetarefresh(t *testing.T) {
	backend := &fakeAnubis{payload: "echo-data", algorithm: "metarefresh", difficulty: 0}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	resp, err := newTestResolver(t).Resolve(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Resolve: %s", err)
	}
	if string(resp.Body) != "protected content" {
		t.Errorf("body = %q; want protected content", resp.Body)
	}
}

func TestResolveRejectedSubmission(t *testing.T) {
	backend := &fakeAnubis{payload: "abc", algorithm: "fast", difficulty: 1, reject: true}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	resp, err := newTestResolver(t).Resolve(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("a rejected submission is a terminal outcome, not an error: %s", err)
	}

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d; want the server's own 403", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "rejected") {
		t.Errorf("body = %q; want the server's own reply", resp.Body)
	}
}

func TestResolveMalformedChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><script id="anubis_challenge" type="application/json">{"challenge":{"id":"x"},"rules":{"difficulty":1}}</script></body></html>`)
	}))
	defer srv.Close()

	if _, err := newTestResolver(t).Resolve(context.Background(), srv.URL); err == nil {
		t.Fatal("undecodable challenge must fail the resolution")
	}
}
