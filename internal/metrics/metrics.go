package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "giftcard"

// Metrics 库存状态机的计数器，nil 接收者上的调用均为空操作
type Metrics struct {
	cardsClaimed     prometheus.Counter
	cardsReleased    *prometheus.CounterVec
	cardsDelivered   prometheus.Counter
	shortfallCards   prometheus.Counter
	decryptFailures  prometheus.Counter
	eventsDispatched *prometheus.CounterVec
}

// New 创建并注册计数器
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cardsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cards_claimed_total",
			Help:      "Cards moved from available to sold.",
		}),
		cardsReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cards_released_total",
			Help:      "Cards released from sold, by resulting status.",
		}, []string{"outcome"}),
		cardsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cards_delivered_total",
			Help:      "Sold cards marked delivered.",
		}),
		shortfallCards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_shortfall_cards_total",
			Help:      "Cards requested by orders that could not be claimed.",
		}),
		decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "secret_decrypt_failures_total",
			Help:      "Card secrets that failed to decrypt on read.",
		}),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_events_total",
			Help:      "Order lifecycle events handled, by type and result.",
		}, []string{"type", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.cardsClaimed, m.cardsReleased, m.cardsDelivered, m.shortfallCards, m.decryptFailures, m.eventsDispatched)
	}
	return m
}

func (m *Metrics) CardsClaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cardsClaimed.Add(float64(n))
}

// CardsReleased outcome 为 available 或 inactive
func (m *Metrics) CardsReleased(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cardsReleased.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) CardsDelivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cardsDelivered.Add(float64(n))
}

func (m *Metrics) Shortfall(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.shortfallCards.Add(float64(n))
}

func (m *Metrics) DecryptFailed() {
	if m == nil {
		return
	}
	m.decryptFailures.Inc()
}

func (m *Metrics) EventHandled(eventType string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.eventsDispatched.WithLabelValues(eventType, result).Inc()
}
