package storage

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	databaseFile = "anubisolver.db"

	cookiesBucket = "cookies"
	solvesBucket  = "solves"
)

// Store persists per-host session cookies and solve records so a proxy
// restart does not force every host back through a challenge.
type Store struct {
	db *bolt.DB
}

// SolveRecord tracks resolutions for one upstream host.
type SolveRecord struct {
	Count      int       `json:"count"`
	Algorithm  string    `json:"algorithm"`
	ElapsedMS  int64     `json:"elapsedMs"`
	Nonce      uint64    `json:"nonce,omitempty"`
	LastSolved time.Time `json:"lastSolved"`
}

// Open creates or opens the database under dataDir and ensures the
// buckets exist.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, databaseFile)

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open database %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range []string{cookiesBucket, solvesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return errors.Wrapf(err, "create bucket %s", b)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		log.WithError(err).Error("Could not close database")
	}
}

// persistedCookie keeps the subset of cookie fields a session credential
// needs to survive a restart.
type persistedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SaveCookies replaces the stored cookie list for host.
func (s *Store) SaveCookies(host string, cookies []*http.Cookie) error {
	stored := make([]persistedCookie, 0, len(cookies))
	for _, c := range cookies {
		stored = append(stored, persistedCookie{Name: c.Name, Value: c.Value})
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return errors.Wrap(err, "marshal cookies")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(cookiesBucket)).Put([]byte(host), raw)
	})
}

// LoadCookies returns the stored cookies for host, nil when the host has
// never been persisted.
func (s *Store) LoadCookies(host string) ([]*http.Cookie, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(cookiesBucket)).Get([]byte(host)); v != nil {
			raw = append(raw, v...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load cookies for %s", host)
	}
	if raw == nil {
		return nil, nil
	}

	var stored []persistedCookie
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, errors.Wrapf(err, "unmarshal cookies for %s", host)
	}

	cookies := make([]*http.Cookie, 0, len(stored))
	for _, c := range stored {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return cookies, nil
}

// RecordSolve bumps the solve counter for host and stores the details of
// the most recent resolution.
func (s *Store) RecordSolve(host, algorithm string, elapsed time.Duration, nonce *uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(solvesBucket))

		var rec SolveRecord
		if v := bucket.Get([]byte(host)); v != nil {
			if err := json.Unmarshal(v, &rec); err != nil {
				log.WithError(err).WithField("host", host).Warn("Discarding unreadable solve record")
				rec = SolveRecord{}
			}
		}

		rec.Count++
		rec.Algorithm = algorithm
		rec.ElapsedMS = elapsed.Milliseconds()
		rec.Nonce = 0
		if nonce != nil {
			rec.Nonce = *nonce
		}
		rec.LastSolved = time.Now().UTC()

		raw, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(err, "marshal solve record")
		}
		return bucket.Put([]byte(host), raw)
	})
}

// SolveStats dumps the solve records for every host.
func (s *Store) SolveStats() (map[string]SolveRecord, error) {
	stats := make(map[string]SolveRecord)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(solvesBucket)).ForEach(func(k, v []byte) error {
			var rec SolveRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrapf(err, "unmarshal solve record for %s", k)
			}
			stats[string(k)] = rec
			return nil
		})
	})
	return stats, err
}
