package challenge

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Algorithm identifies the challenge algorithm declared by the server.
type Algorithm string

const (
	// AlgoFast and AlgoSlow are proof-of-work searches; they differ only
	// in the client-side hasher the upstream ships, not in verification.
	AlgoFast Algorithm = "fast"
	AlgoSlow Algorithm = "slow"
	// AlgoPreact hashes the payload once; the server enforces a
	// difficulty * 80ms minimum elapsed time instead of work.
	AlgoPreact Algorithm = "preact"
	// AlgoMetarefresh echoes the payload back after difficulty * 800ms.
	AlgoMetarefresh Algorithm = "metarefresh"
	// AlgoUnknown covers algorithms this solver has never heard of. They
	// are treated as proof-of-work at dispatch time.
	AlgoUnknown Algorithm = "unknown"
)

// ParseAlgorithm maps the wire string to a closed algorithm set. Old
// servers omit the field entirely, which means proof-of-work.
func ParseAlgorithm(s string) Algorithm {
	switch s {
	case "":
		return AlgoFast
	case "fast":
		return AlgoFast
	case "slow":
		return AlgoSlow
	case "preact":
		return AlgoPreact
	case "metarefresh":
		return AlgoMetarefresh
	default:
		return AlgoUnknown
	}
}

// Challenge is one server-issued challenge, immutable once decoded.
type Challenge struct {
	Payload    string
	ID         string
	Algorithm  Algorithm
	Difficulty int
}

// Result is the outcome of solving a challenge. Nonce is set only for
// proof-of-work algorithms; for time-based algorithms Hash carries the
// value to submit (digest or raw echo), not a proof.
type Result struct {
	Hash       string
	Data       string
	Difficulty int
	Nonce      *uint64
}

type wireRules struct {
	Difficulty int    `json:"difficulty"`
	Algorithm  string `json:"algorithm"`
}

type wireChallenge struct {
	Challenge challengeData `json:"challenge"`
	Rules     wireRules     `json:"rules"`
}

// challengeData absorbs both historical shapes of the "challenge" field:
// a bare random-data string (pre Aug 2025 servers) or an object carrying
// id and randomData. Neither shape leaks past decoding.
type challengeData struct {
	ID         string
	RandomData string
}

func (c *challengeData) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		c.ID = ""
		c.RandomData = s
		return nil
	}

	var obj struct {
		ID         string  `json:"id"`
		RandomData *string `json:"randomData"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.RandomData == nil {
		return errors.New("challenge object missing randomData")
	}

	c.ID = obj.ID
	c.RandomData = *obj.RandomData
	return nil
}

// Decode parses the JSON document embedded in the challenge element.
func Decode(raw []byte) (*Challenge, error) {
	var w wireChallenge
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, errors.Wrap(err, "decode challenge JSON")
	}

	if w.Rules.Difficulty < 0 {
		return nil, errors.Errorf("negative difficulty %d", w.Rules.Difficulty)
	}
	if w.Challenge.RandomData == "" {
		return nil, errors.New("challenge carries no random data")
	}

	return &Challenge{
		Payload:    w.Challenge.RandomData,
		ID:         w.Challenge.ID,
		Algorithm:  ParseAlgorithm(w.Rules.Algorithm),
		Difficulty: w.Rules.Difficulty,
	}, nil
}

// EffectiveAlgorithm folds AlgoUnknown into AlgoFast for dispatch; the
// declared algorithm stays on the Challenge untouched.
func (c *Challenge) EffectiveAlgorithm() Algorithm {
	if c.Algorithm == AlgoUnknown {
		return AlgoFast
	}
	return c.Algorithm
}

// MinWait is the server-enforced minimum elapsed time for time-based
// algorithms. Proof-of-work challenges have none.
func (c *Challenge) MinWait() time.Duration {
	switch c.Algorithm {
	case AlgoPreact:
		return time.Duration(c.Difficulty) * 80 * time.Millisecond
	case AlgoMetarefresh:
		return time.Duration(c.Difficulty) * 800 * time.Millisecond
	}
	return 0
}

// IDParam renders the optional id query parameter. The id is forwarded
// verbatim; servers reject a re-encoded one.
func (c *Challenge) IDParam() string {
	if c.ID == "" {
		return ""
	}
	return "&id=" + c.ID
}
