// Package idgen issues time-ordered identifiers from a single monotonic clock.
// Message IDs sort lexically in creation order, so the last seen ID doubles as a
// resume cursor and CreatedAt can always be derived from the ID itself.
package idgen

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// GroupPrefix marks conversation IDs that were generated rather than derived
const GroupPrefix = "grp_"

// Generator produces strictly increasing ULIDs.
// It never reuses a timestamp that is earlier than one already issued,
// so a wall clock that steps backwards cannot reorder messages.
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy *ulid.MonotonicEntropy
	lastMs  uint64
}

// NewGenerator creates a Generator reading time from now
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	source := rand.NewSource(now().UnixNano())
	return &Generator{
		now:     now,
		entropy: ulid.Monotonic(rand.New(source), 0),
	}
}

// Next returns a new ID together with the timestamp encoded in it
func (g *Generator) Next() (ulid.ULID, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := ulid.Timestamp(g.now())
	if ms < g.lastMs {
		ms = g.lastMs
	}

	id, err := ulid.New(ms, g.entropy)
	if err != nil {
		// Entropy for this millisecond is exhausted, move to the next one.
		ms++
		id = ulid.MustNew(ms, g.entropy)
	}
	g.lastMs = ms

	return id, ulid.Time(ms)
}

// NextString is Next formatted as a lowercase string
func (g *Generator) NextString() (string, time.Time) {
	id, ts := g.Next()
	return strings.ToLower(id.String()), ts
}

var defaultGenerator = NewGenerator(time.Now)

// New returns a lowercase ULID string from the process-wide generator
func New() string {
	id, _ := defaultGenerator.NextString()
	return id
}

// NewGroupID returns a generated conversation ID
func NewGroupID() string {
	return GroupPrefix + New()
}

// IsValid reports whether the string is a ULID
func IsValid(value string) bool {
	_, err := Parse(value)
	return err == nil
}

// Parse strips an optional group prefix and returns the ULID
func Parse(value string) (ulid.ULID, error) {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, GroupPrefix)
	return ulid.ParseStrict(strings.ToUpper(value))
}

// Time extracts the creation time from an ID, or the zero time when it is not a ULID
func Time(value string) time.Time {
	id, err := Parse(value)
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(id.Time())
}

// NextString returns a lowercase ULID string and its timestamp from the process-wide generator
func NextString() (string, time.Time) {
	return defaultGenerator.NextString()
}
