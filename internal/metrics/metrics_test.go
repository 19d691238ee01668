package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollector_Register(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	c.RecordOp("app.bsky.feed.like", "create")
	c.RecordOp("app.bsky.feed.like", "create")
	c.BackgroundPending(3)
	c.BackgroundPending(-1)
	c.Cursor(42)
	c.ObserveOperation("index_record", time.Now())

	require.Equal(t, 2.0, testutil.ToFloat64(c.recordOps.WithLabelValues("app.bsky.feed.like", "create")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.backgroundQueued))
	require.Equal(t, 42.0, testutil.ToFloat64(c.cursor))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	require.NotPanics(t, func() {
		c.RecordOp("x", "create")
		c.RecordError("x", "validation")
		c.BackgroundPending(1)
		c.BackgroundFailed()
		c.Coalesce("run")
		c.Event("commit", "ok")
		c.Cursor(1)
		c.ReconcileOp("create")
		c.ObserveOperation("x", time.Now())
	})
}
