package browser

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersBasics(t *testing.T) {
	t.Parallel()
	c := NewCounters()

	assert.Zero(t, c.Get(AbortedCountKey), "untouched counters read as zero")

	c.Inc(RequestCountKey("Document"))
	c.Inc(RequestCountKey("Image"))
	c.Inc(RequestCountKey("Image"))
	c.Inc(AbortedCountKey)

	assert.EqualValues(t, 1, c.Get(RequestCountKey("Document")))
	assert.EqualValues(t, 2, c.Get(RequestCountKey("Image")))
	assert.EqualValues(t, 1, c.Get(AbortedCountKey))

	snap := c.Snapshot()
	assert.EqualValues(t, 2, snap["pagebridge/request_count/resource_type/Image"])
	_, present := snap[ResponseCountKey("Image")]
	assert.False(t, present, "never-touched keys must be absent from snapshots")
}

func TestCountersConcurrent(t *testing.T) {
	t.Parallel()
	c := NewCounters()

	const workers = 16
	const perWorker = 500
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				c.Inc(ResponseCountKey("XHR"))
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, workers*perWorker, c.Get(ResponseCountKey("XHR")))
}

func TestCountersMarshalJSON(t *testing.T) {
	t.Parallel()
	c := NewCounters()
	c.Inc(ResponseCountKey("Document"))
	c.Inc(RequestCountKey("Document"))
	c.Inc(AbortedCountKey)

	out, err := c.MarshalJSON()
	require.NoError(t, err)
	// Keys come out sorted so the output is diff-stable.
	assert.JSONEq(t, `{
		"pagebridge/request_count/aborted": 1,
		"pagebridge/request_count/resource_type/Document": 1,
		"pagebridge/response_count/resource_type/Document": 1
	}`, string(out))
	assert.Less(t,
		strings.Index(string(out), "request_count/aborted"),
		strings.Index(string(out), "response_count"),
	)
}
