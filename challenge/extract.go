package challenge

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
)

// Marker is the literal that gates extraction. Pages without it are
// ordinary upstream responses and never reach the JSON decoder.
const Marker = "anubis_challenge"

// Parsed couples a decoded challenge with the server's version label.
// The version is informational only.
type Parsed struct {
	Challenge *Challenge
	Version   string
}

// Extract locates and decodes the challenge embedded in an HTML body.
// A body with no challenge returns (nil, nil); a present but
// undecodable challenge is an error.
func Extract(body string) (*Parsed, error) {
	if !strings.Contains(body, Marker) {
		return nil, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "parse HTML")
	}

	text := strings.TrimSpace(doc.Find("#anubis_challenge").First().Text())
	if text == "" || text == "null" {
		return nil, nil
	}

	ch, err := Decode([]byte(text))
	if err != nil {
		return nil, err
	}

	// The version element is best-effort; its absence never fails
	// extraction.
	version := "unknown"
	if vtext := strings.TrimSpace(doc.Find("#anubis_version").First().Text()); vtext != "" {
		var v string
		if err := json.Unmarshal([]byte(vtext), &v); err == nil {
			version = v
		}
	}

	return &Parsed{Challenge: ch, Version: version}, nil
}
