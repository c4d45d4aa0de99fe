// Package seating assigns seats to a full roster by shuffling it with an
// injectable random source.
package seating

import (
	"crypto/rand"
	"math/big"
)

// Source supplies random integers for seat assignment.
type Source interface {
	// Intn returns a non-negative random int in [0, n).
	//
	// Precondition: n > 0.
	Intn(n int) int
}

// cryptoSource implements Source using crypto/rand.
//
// Invariant: All values produced are uniformly distributed in [0, n) for any n > 0.
type cryptoSource struct{}

// NewCryptoSource returns a Source backed by crypto/rand.
//
// Postcondition: Every value returned by Intn is in [0, n).
func NewCryptoSource() Source {
	return &cryptoSource{}
}

// Intn returns a cryptographically secure random int in [0, n).
//
// Precondition: n > 0. Panics with "seating: Intn called with n <= 0" if n <= 0.
// Panics with "seating: crypto/rand failure: <err>" if crypto/rand fails.
func (c *cryptoSource) Intn(n int) int {
	if n <= 0 {
		panic("seating: Intn called with n <= 0")
	}
	val, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("seating: crypto/rand failure: " + err.Error())
	}
	return int(val.Int64())
}

// Shuffle permutes s in place with a Fisher-Yates pass driven by src.
//
// Precondition: src must be non-nil.
// Postcondition: s holds the same elements in a src-determined order.
func Shuffle[T any](src Source, s []T) {
	for i := len(s) - 1; i > 0; i-- {
		j := src.Intn(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}

// Sequence is a deterministic Source that replays a fixed list of values,
// reduced modulo n. It cycles when exhausted. An empty Sequence always yields 0.
type Sequence []int

// Intn returns the next value of the sequence modulo n.
func (s *Sequence) Intn(n int) int {
	if n <= 0 {
		panic("seating: Intn called with n <= 0")
	}
	if len(*s) == 0 {
		return 0
	}
	v := (*s)[0]
	*s = append((*s)[1:], v)
	if v < 0 {
		v = -v
	}
	return v % n
}
