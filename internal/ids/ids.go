// Package ids mints the identifiers used as primary keys across the data
// model. ULIDs sort by creation time, which keeps indexes append-mostly for
// the tables that grow in bursts (sessions, document versions, audit rows).
package ids

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// generator serializes access to a monotonic entropy source so ids minted
// within the same millisecond still sort in creation order.
type generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

var global = &generator{
	entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
}

func (g *generator) next(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}

// New mints an identifier for a row created now.
func New() string {
	return global.next(time.Now())
}
