package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeOp("send", time.Now(), nil)
		m.subscriptionOpened()
		m.subscriptionClosed()
		m.resubscribed()
		m.snapshot(QueryPair, true)
		m.malformedDocument()
		m.sessionOpened()
		m.sessionClosed()
		m.optimistic("failed")
		m.connOpened()
		m.connClosed()
		m.wsReject("origin")
	})
}

func TestMetrics_Records(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	start := time.Now()

	m.observeOp("send", start, nil)
	m.observeOp("send", start, opErr("store.Send", ErrValidation, "empty"))
	m.observeOp("edit", start, opErr("store.Edit", ErrForbidden, ""))
	m.observeOp("read", start, opErr("store.MarkRead", ErrNotFound, ""))
	m.observeOp("send", start, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeOps.WithLabelValues("send", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeOps.WithLabelValues("send", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeOps.WithLabelValues("send", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeOps.WithLabelValues("edit", "forbidden")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeOps.WithLabelValues("read", "not_found")))

	m.subscriptionOpened()
	m.subscriptionOpened()
	m.subscriptionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscriptions))

	m.snapshot(QueryInbox, false)
	m.snapshot(QueryInbox, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.snapshots.WithLabelValues(QueryInbox.String(), "true")))

	n, err := testutil.GatherAndCount(reg, "carchat_store_ops_total", "carchat_store_op_seconds")
	require.NoError(t, err)
	assert.Equal(t, 8, n, "five op/result series plus three latency series")
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
