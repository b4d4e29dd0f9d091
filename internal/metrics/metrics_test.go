package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveGuardDecision("busy")
	m.ObserveGuardDecision("busy")
	m.ObserveGuardDecision("proceed")
	m.IncPersistenceRetry("save_session")
	m.IncDeadLetter()
	m.ObserveReminderSend("one_hour", nil)
	m.ObserveReminderSend("one_hour", errors.New("boom"))
	m.ObserveHandleLatency("text", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.guardDecisions.WithLabelValues("busy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.guardDecisions.WithLabelValues("proceed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persistenceRetries.WithLabelValues("save_session")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetters))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reminderSends.WithLabelValues("one_hour", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reminderSends.WithLabelValues("one_hour", "error")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveInbound("text", "handled")
	m.ObserveGuardDecision("busy")
	m.ObserveTransition("idle", "survey")
	m.ObserveHandleLatency("text", time.Second)
	m.IncPersistenceRetry("save_session")
	m.IncPersistenceFailure("save_session")
	m.IncDeadLetter()
	m.ObserveOutbound("text", nil)
	m.ObserveReminderSend("one_hour", nil)
	m.IncReminderBatch()
	m.ObserveCompletion("LOW")
}
