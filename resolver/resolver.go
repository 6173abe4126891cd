package resolver

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"anubisolver/challenge"
	"anubisolver/solver"
	"anubisolver/storage"
)

// requestTimeout caps each individual outbound call. It is not a bound
// on a whole resolution run; a proof-of-work solve has no wall-clock
// limit.
const requestTimeout = 30 * time.Second

// Response is the terminal outcome of a resolution: an unchallenged
// upstream response, the replayed protected content, or the server's
// own reply to a rejected submission.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Resolver drives the fetch, solve, wait, submit, verify, replay
// sequence over a single cookie jar. The same logic serves the CLI and
// the proxy.
type Resolver struct {
	client     *http.Client // follows redirects; fetch and replay
	noRedirect *http.Client // submission client; the 302 must surface

	// UserAgent overrides the default Chrome identity on every call.
	UserAgent string
	// Progress, when set, receives proof-of-work nonces concurrently
	// from every worker.
	Progress func(uint64)
	// Store, when set, records solves after a successful submission.
	Store *storage.Store
}

// New builds a resolver over the given cookie jar. Both internal clients
// share the jar so the session credential set on submission is present
// for the replay.
func New(jar http.CookieJar) *Resolver {
	return &Resolver{
		client: &http.Client{
			Jar:     jar,
			Timeout: requestTimeout,
		},
		noRedirect: &http.Client{
			Jar:     jar,
			Timeout: requestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		UserAgent: ChromeUA,
	}
}

// Resolve fetches target and, when the response is challenge-gated,
// solves and submits the challenge before replaying the original
// request. There is no retry at any step.
func (r *Resolver) Resolve(ctx context.Context, target string) (*Response, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, errors.Wrapf(err, "parse target URL %s", target)
	}
	if parsed.Host == "" {
		return nil, errors.Errorf("target URL %s has no host", target)
	}

	resp, err := r.get(ctx, r.client, target)
	if err != nil {
		return nil, errors.Wrap(err, "fetch target")
	}

	ch, err := challenge.Extract(string(resp.Body))
	if err != nil {
		return nil, errors.Wrap(err, "malformed challenge")
	}
	if ch == nil {
		// Passthrough: the upstream response goes back untouched.
		return resp, nil
	}

	clog := log.WithFields(log.Fields{
		"host":       parsed.Host,
		"algorithm":  ch.Challenge.Algorithm,
		"difficulty": ch.Challenge.Difficulty,
		"version":    ch.Version,
	})
	clog.Info("Detected challenge")

	start := time.Now()
	result, err := solver.Solve(ch.Challenge, r.Progress)
	if err != nil {
		return nil, err
	}

	// Time-based algorithms are rejected server-side when submitted too
	// quickly; sleep out the remainder of the minimum wait. Proof-of-work
	// has no minimum.
	if wait := ch.Challenge.MinWait(); wait > 0 {
		if elapsed := time.Since(start); elapsed < wait {
			time.Sleep(wait - elapsed)
		}
	}

	elapsed := time.Since(start)
	clog.WithField("elapsed", elapsed).Info("Solved challenge")

	submitURL := challenge.SubmissionURL(parsed.Scheme, parsed.Host, ch.Challenge, result, target, elapsed.Milliseconds())

	submitResp, err := r.get(ctx, r.noRedirect, submitURL)
	if err != nil {
		return nil, errors.Wrap(err, "submit solution")
	}

	if submitResp.StatusCode != http.StatusFound {
		// The server rejected the proof; its reply is the terminal
		// outcome and is never retried.
		clog.WithField("status", submitResp.StatusCode).Warn("Submission not accepted")
		return submitResp, nil
	}

	r.recordSolve(parsed.Host, ch.Challenge, result, elapsed)

	final, err := r.get(ctx, r.client, target)
	if err != nil {
		return nil, errors.Wrap(err, "replay original request")
	}
	return final, nil
}

// get issues one GET with the browser identity and drains the body.
func (r *Resolver) get(ctx context.Context, client *http.Client, target string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "build request for %s", target)
	}

	req.Header = browserHeaders()
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

func (r *Resolver) recordSolve(host string, ch *challenge.Challenge, res *challenge.Result, elapsed time.Duration) {
	if r.Store == nil {
		return
	}
	if err := r.Store.RecordSolve(host, string(ch.Algorithm), elapsed, res.Nonce); err != nil {
		log.WithError(err).WithField("host", host).Warn("Could not record solve")
	}
}
