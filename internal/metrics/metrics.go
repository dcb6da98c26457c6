// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pool metrics.
	PoolSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "brokergate",
		Subsystem: "pool",
		Name:      "slots",
		Help:      "Connection slots by account and state.",
	}, []string{"account", "state"})

	PoolAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brokergate",
		Subsystem: "pool",
		Name:      "acquires_total",
		Help:      "Slot acquire attempts by account and outcome.",
	}, []string{"account", "outcome"})

	PoolVerifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brokergate",
		Subsystem: "pool",
		Name:      "verify_failures_total",
		Help:      "Slot verification failures by account.",
	}, []string{"account"})

	// Stream metrics.
	StreamFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brokergate",
		Subsystem: "stream",
		Name:      "frames_total",
		Help:      "Frames received by channel and kind.",
	}, []string{"channel", "kind"})

	StreamDecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brokergate",
		Subsystem: "stream",
		Name:      "decode_errors_total",
		Help:      "Per-frame decode errors by channel.",
	}, []string{"channel"})

	StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brokergate",
		Subsystem: "stream",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts by channel.",
	}, []string{"channel"})

	StreamState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "brokergate",
		Subsystem: "stream",
		Name:      "channel_state",
		Help:      "Current state machine state per channel (enum value).",
	}, []string{"channel"})

	FanoutDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brokergate",
		Subsystem: "stream",
		Name:      "fanout_drops_total",
		Help:      "Events dropped for slow subscribers by channel.",
	}, []string{"channel"})
)
