package solver

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"anubisolver/challenge"
)

// ErrExhausted is returned when every worker ran out of nonce space
// without a match. Only reachable at infeasible difficulty.
var ErrExhausted = errors.New("solver finished without finding a solution")

// progressInterval is how many attempts a worker makes between calls to
// the progress callback.
const progressInterval = 16384

// Solve computes a response for the challenge, dispatching on its
// effective algorithm. progress may be nil; when set it is invoked
// concurrently and unordered from every proof-of-work worker.
func Solve(ch *challenge.Challenge, progress func(uint64)) (*challenge.Result, error) {
	switch ch.EffectiveAlgorithm() {
	case challenge.AlgoPreact:
		sum := sha256.Sum256([]byte(ch.Payload))
		return &challenge.Result{
			Hash:       hex.EncodeToString(sum[:]),
			Data:       ch.Payload,
			Difficulty: ch.Difficulty,
		}, nil
	case challenge.AlgoMetarefresh:
		return &challenge.Result{
			Hash:       ch.Payload,
			Data:       ch.Payload,
			Difficulty: ch.Difficulty,
		}, nil
	default:
		return SolvePoW(ch.Payload, ch.Difficulty, runtime.GOMAXPROCS(0), progress)
	}
}

// meetsDifficulty reports whether hash has at least difficulty leading
// zero nibbles.
func meetsDifficulty(hash []byte, difficulty int) bool {
	full := difficulty / 2
	if len(hash) < full {
		return false
	}

	for _, b := range hash[:full] {
		if b != 0 {
			return false
		}
	}

	if difficulty%2 != 0 {
		if len(hash) <= full {
			return false
		}
		if hash[full]>>4 != 0 {
			return false
		}
	}

	return true
}

// SolvePoW searches the nonce space for n such that
// SHA-256(payload + decimal(n)) has at least difficulty leading zero
// nibbles. Worker k starts at nonce k and strides by the worker count,
// so the partition is static and independent of scheduling.
//
// Coordination is two atomics: a stop flag polled before every hash and
// a winning-nonce slot. The worker that flips the flag false to true is
// the sole publisher of the result; everyone else exits after at most
// one more in-flight hash. Duplicate speculative hashing across workers
// is accepted over finer-grained locking.
func SolvePoW(payload string, difficulty, workers int, progress func(uint64)) (*challenge.Result, error) {
	if workers < 1 {
		workers = 1
	}

	var (
		found   atomic.Bool
		winning atomic.Uint64
		wg      sync.WaitGroup
	)
	results := make(chan *challenge.Result, 1)

	data := []byte(payload)
	stride := uint64(workers)

	for k := 0; k < workers; k++ {
		wg.Add(1)
		go func(start uint64) {
			defer wg.Done()

			// One buffer per worker: fixed payload prefix, trailing
			// decimal nonce rewritten in place each attempt. The loop
			// body must not allocate.
			buf := make([]byte, len(data), len(data)+20)
			copy(buf, data)
			nonce := start

			for !found.Load() {
				buf = strconv.AppendUint(buf[:len(data)], nonce, 10)
				sum := sha256.Sum256(buf)

				if meetsDifficulty(sum[:], difficulty) {
					if found.CompareAndSwap(false, true) {
						winning.Store(nonce)
						n := nonce
						select {
						case results <- &challenge.Result{
							Hash:       hex.EncodeToString(sum[:]),
							Data:       payload,
							Difficulty: difficulty,
							Nonce:      &n,
						}:
						default:
						}
					}
					return
				}

				if progress != nil && nonce%progressInterval == start {
					progress(nonce)
				}

				if nonce > math.MaxUint64-stride {
					// Next stride would wrap; this worker's share of the
					// nonce space is spent.
					return
				}
				nonce += stride
			}
		}(uint64(k))
	}

	wg.Wait()
	close(results)

	if res := <-results; res != nil {
		return res, nil
	}

	if found.Load() {
		// The flag was set but the winner's result never arrived.
		// Hashing is pure, so recomputing from the published nonce is
		// exact.
		nonce := winning.Load()
		buf := append([]byte(payload), strconv.FormatUint(nonce, 10)...)
		sum := sha256.Sum256(buf)
		return &challenge.Result{
			Hash:       hex.EncodeToString(sum[:]),
			Data:       payload,
			Difficulty: difficulty,
			Nonce:      &nonce,
		}, nil
	}

	return nil, ErrExhausted
}
