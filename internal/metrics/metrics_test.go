package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordHelpers(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())

	m.RecordReservation("pro", "ok")
	m.RecordReservation("any", "none")
	m.RecordCASConflict()
	m.RecordReserveDuration(0.002)
	m.RecordQueueJob("ok", 1.5)
	m.RecordQueueJob("timeout", 30)
	m.SetQueueDepth(7)
	m.RecordSweep("window", "success")
	m.SetKeyCount("active", 3)
	m.RecordHTTPError("store", "/status")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReservationsTotal.WithLabelValues("pro", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CASConflictsTotal))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.KeysByStatus.WithLabelValues("active")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPErrorsTotal.WithLabelValues("store", "/status")))
}

func TestNewRegistersWithoutPanic(t *testing.T) {
	t.Parallel()

	// Duplicate registration on the same registry would panic via promauto;
	// separate registries must not.
	_ = New(prometheus.NewRegistry())
	_ = New(prometheus.NewRegistry())
}
