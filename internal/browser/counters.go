// File: internal/browser/counters.go
package browser

import (
	"sort"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
)

const counterPrefix = "pagebridge/"

// AbortedCountKey counts requests the interception pipeline aborted.
const AbortedCountKey = counterPrefix + "request_count/aborted"

// RequestCountKey is the counter key for intercepted requests of the given
// CDP resource type.
func RequestCountKey(resourceType string) string {
	return counterPrefix + "request_count/resource_type/" + resourceType
}

// ResponseCountKey is the counter key for received responses of the given CDP
// resource type.
func ResponseCountKey(resourceType string) string {
	return counterPrefix + "response_count/resource_type/" + resourceType
}

// Counters is a set of named atomic counters. Each handler instance owns its
// own set; per-context counters nest under the same type. Increment paths are
// lock-free after the first touch of a key.
type Counters struct {
	mu     sync.RWMutex
	counts map[string]*atomic.Int64
}

// NewCounters returns an empty counter set.
func NewCounters() *Counters {
	return &Counters{counts: make(map[string]*atomic.Int64)}
}

// Inc increments the named counter, creating it at zero first if needed.
func (c *Counters) Inc(key string) {
	c.counter(key).Add(1)
}

// Get reads the named counter; missing keys read as zero.
func (c *Counters) Get(key string) int64 {
	c.mu.RLock()
	v, ok := c.counts[key]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	return v.Load()
}

// Snapshot copies the current counter values. Zero-valued counters that were
// never touched are absent, matching how callers probe for "no responses of
// this type were ever seen".
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v.Load()
	}
	return out
}

// MarshalJSON renders the snapshot with sorted keys so diffs and CLI output
// are stable.
func (c *Counters) MarshalJSON() ([]byte, error) {
	snap := c.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	stream := jsoniter.ConfigCompatibleWithStandardLibrary.BorrowStream(nil)
	defer jsoniter.ConfigCompatibleWithStandardLibrary.ReturnStream(stream)
	stream.WriteObjectStart()
	for i, k := range keys {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(k)
		stream.WriteInt64(snap[k])
	}
	stream.WriteObjectEnd()
	if stream.Error != nil {
		return nil, stream.Error
	}
	return append([]byte(nil), stream.Buffer()...), nil
}

func (c *Counters) counter(key string) *atomic.Int64 {
	c.mu.RLock()
	v, ok := c.counts[key]
	c.mu.RUnlock()
	if ok {
		return v
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok = c.counts[key]; ok {
		return v
	}
	v = new(atomic.Int64)
	c.counts[key] = v
	return v
}
