package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CardsClaimed(3)
	m.CardsClaimed(0)
	m.CardsReleased("available", 2)
	m.CardsReleased("inactive", 1)
	m.CardsDelivered(4)
	m.Shortfall(5)
	m.DecryptFailed()
	m.EventHandled("order_completed", nil)
	m.EventHandled("order_completed", errors.New("boom"))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.cardsClaimed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cardsReleased.WithLabelValues("available")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cardsReleased.WithLabelValues("inactive")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.cardsDelivered))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.shortfallCards))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decryptFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDispatched.WithLabelValues("order_completed", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDispatched.WithLabelValues("order_completed", "error")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CardsClaimed(1)
		m.CardsReleased("available", 1)
		m.CardsDelivered(1)
		m.Shortfall(1)
		m.DecryptFailed()
		m.EventHandled("x", nil)
	})
}
