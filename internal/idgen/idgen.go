// Package idgen generates identifiers for blocks, pages and history pause tokens.
//
// Block ids are lowercase ULIDs so sibling copies created in one burst still
// sort by creation order. Pages and pause tokens use random UUIDs.
package idgen

import (
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// RootID is reserved for the root block of a page tree.
const RootID = "root"

// Generator produces block ids.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Next returns a fresh block id. It never returns RootID.
func (g *Generator) Next() string {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String())
}

// BlockID returns a fresh block id from the default generator.
func BlockID() string {
	return Default().Next()
}

// PageID returns a fresh page identifier.
func PageID() string {
	return uuid.New().String()
}

// Token returns a fresh opaque token (history pause tokens, request ids).
func Token() string {
	return uuid.New().String()
}
