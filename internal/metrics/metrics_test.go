package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector
	c.MutationEnqueued()
	c.DispatchOutcome("success", time.Millisecond)
	c.RetryScheduled()
	c.BudgetDeferral()
	c.ConflictResolved("last-write-wins")
	c.SetQueueDepth(1, 2)
	c.SetCircuitState("sync.example.com", 1)
	c.IdempotencyReuse()
}

func TestCollector_CountersAndGauges(t *testing.T) {
	c := NewCollector()
	c.MutationEnqueued()
	c.MutationEnqueued()
	c.DispatchOutcome("retryable", 20*time.Millisecond)
	c.SetQueueDepth(3, 1)

	body := scrape(t, c)
	assert.Contains(t, body, "sync_mutations_enqueued_total 2")
	assert.Contains(t, body, `sync_dispatch_outcomes_total{outcome="retryable"} 1`)
	assert.Contains(t, body, "sync_queue_depth 3")
	assert.Contains(t, body, "sync_inflight 1")
}

func TestCollector_CircuitStateEncoding(t *testing.T) {
	c := NewCollector()

	// The help string documents the encoding the engine emits: closed=0,
	// open=1, half-open=2. Dashboards read the help text, so the two must
	// not drift apart.
	const (
		closed   = 0
		open     = 1
		halfOpen = 2
	)
	c.SetCircuitState("a.example.com", open)
	c.SetCircuitState("b.example.com", halfOpen)
	c.SetCircuitState("c.example.com", closed)

	body := scrape(t, c)
	helpLine := ""
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# HELP sync_circuit_state") {
			helpLine = line
		}
	}
	require.NotEmpty(t, helpLine)
	assert.Contains(t, helpLine, "0 closed, 1 open, 2 half-open")
	assert.Contains(t, body, `sync_circuit_state{host="a.example.com"} 1`)
	assert.Contains(t, body, `sync_circuit_state{host="b.example.com"} 2`)
	assert.Contains(t, body, `sync_circuit_state{host="c.example.com"} 0`)
}
