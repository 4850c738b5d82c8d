package shortcode

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Alphabet: 0-9, A-Z, a-z (62 characters), URL-safe without escaping
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const (
	DefaultCodeLength  = 8
	DefaultMaxAttempts = 5

	minAliasLength = 3
	maxAliasLength = 20
)

var (
	ErrGenerationExhausted = errors.New("short code generation exhausted")
	ErrAliasReserved       = errors.New("alias already reserved")
	ErrInvalidAlias        = errors.New("invalid alias")
)

// Generator produces unpredictable fixed-length short codes and
// validates/reserves custom aliases. The issued set is a process-local
// collision guard only; the storage unique index is the final arbiter
// of code and alias uniqueness.
type Generator struct {
	length      int
	maxAttempts int

	mu     sync.Mutex
	issued map[string]struct{}
}

// NewGenerator creates a generator for codes of the given length.
// Zero or negative arguments fall back to the defaults.
func NewGenerator(length, maxAttempts int) *Generator {
	if length <= 0 {
		length = DefaultCodeLength
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Generator{
		length:      length,
		maxAttempts: maxAttempts,
		issued:      make(map[string]struct{}),
	}
}

// Generate returns a fresh short code of the configured length. On a
// collision with the local guard it retries with fresh entropy;
// ErrGenerationExhausted after maxAttempts means the guard or the
// entropy source is broken, not a steady-state outcome.
func (g *Generator) Generate() (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		code, err := g.newCode()
		if err != nil {
			return "", err
		}

		g.mu.Lock()
		if _, taken := g.issued[code]; !taken {
			g.issued[code] = struct{}{}
			g.mu.Unlock()
			return code, nil
		}
		g.mu.Unlock()
	}

	return "", ErrGenerationExhausted
}

// ReserveAlias normalizes a caller-supplied alias and reserves it in the
// collision guard. Returns ErrInvalidAlias when the normalized form is
// outside the 3-20 length bound and ErrAliasReserved when it is already
// held by this process.
func (g *Generator) ReserveAlias(raw string) (string, error) {
	alias := normalize(raw)
	if len(alias) < minAliasLength || len(alias) > maxAliasLength {
		return "", ErrInvalidAlias
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, taken := g.issued[alias]; taken {
		return "", ErrAliasReserved
	}
	g.issued[alias] = struct{}{}
	return alias, nil
}

// Release drops a key from the collision guard. Callers must release a
// code or alias the storage layer rejected so a retry is not poisoned
// by the stale guard entry.
func (g *Generator) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.issued, key)
}

// GuardSize returns the number of keys currently held by the guard.
func (g *Generator) GuardSize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.issued)
}

// newCode mixes several independent entropy sources, hashes them to a
// fixed-width digest and converts the digest to base62.
func (g *Generator) newCode() (string, error) {
	seed := make([]byte, 16)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(uuid.NewString()))
	h.Write([]byte(strconv.FormatInt(time.Now().UnixNano(), 10)))
	h.Write(seed)
	digest := h.Sum(nil)

	encoded := encodeBase62(digest)
	if len(encoded) >= g.length {
		return encoded[:g.length], nil
	}
	return strings.Repeat("0", g.length-len(encoded)) + encoded, nil
}

// encodeBase62 converts a big-endian byte slice to its base62
// representation.
func encodeBase62(data []byte) string {
	num := new(big.Int).SetBytes(data)
	if num.Sign() == 0 {
		return "0"
	}

	base := big.NewInt(int64(len(alphabet)))
	mod := new(big.Int)
	out := make([]byte, 0, 43) // 256 bits fit into 43 base62 digits

	for num.Sign() > 0 {
		num.DivMod(num, base, mod)
		out = append(out, alphabet[mod.Int64()])
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// normalize case-folds the alias, strips characters outside [a-z0-9_-]
// and collapses runs of separators to the first separator of the run.
func normalize(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))

	var b strings.Builder
	b.Grow(len(lowered))

	var pendingSep byte
	for i := 0; i < len(lowered); i++ {
		c := lowered[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteByte(c)
			pendingSep = 0
		case c == '-' || c == '_':
			if pendingSep == 0 {
				b.WriteByte(c)
				pendingSep = c
			}
		}
	}
	return b.String()
}
