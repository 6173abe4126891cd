package challenge

import (
	"fmt"
	"net/url"
)

// SubmissionPath is the well-known Anubis endpoint that accepts solved
// challenges.
const SubmissionPath = ".within.website/x/cmd/anubis/api/pass-challenge"

// SubmissionURL builds the pass-challenge URL for a solved challenge.
// The query parameter carrying the solution is named per algorithm:
// preact submits `result`, metarefresh submits `challenge`, and the
// proof-of-work variants submit `response` plus `nonce`. Deterministic,
// no I/O.
func SubmissionURL(scheme, host string, ch *Challenge, res *Result, redirect string, elapsedMS int64) string {
	redir := url.QueryEscape(redirect)

	switch ch.EffectiveAlgorithm() {
	case AlgoPreact:
		return fmt.Sprintf("%s://%s/%s?result=%s&redir=%s&elapsedTime=%d%s",
			scheme, host, SubmissionPath, res.Hash, redir, elapsedMS, ch.IDParam())
	case AlgoMetarefresh:
		return fmt.Sprintf("%s://%s/%s?challenge=%s&redir=%s&elapsedTime=%d%s",
			scheme, host, SubmissionPath, res.Hash, redir, elapsedMS, ch.IDParam())
	default:
		var nonce uint64
		if res.Nonce != nil {
			nonce = *res.Nonce
		}
		return fmt.Sprintf("%s://%s/%s?response=%s&nonce=%d&redir=%s&elapsedTime=%d%s",
			scheme, host, SubmissionPath, res.Hash, nonce, redir, elapsedMS, ch.IDParam())
	}
}
