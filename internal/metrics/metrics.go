// SPDX-License-Identifier: MIT

// Package metrics registers the Prometheus instruments for the hearth daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ObjectWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_object_writes_total",
		Help: "Total number of object store upserts by result",
	}, []string{"result"})

	LongPollActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hearth_longpoll_active",
		Help: "Number of currently registered long-poll waiters",
	})

	LongPollDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_longpoll_deliveries_total",
		Help: "Total number of long-poll waiter completions by outcome",
	}, []string{"outcome"})

	AvailabilityTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_availability_transitions_total",
		Help: "Total number of device availability transitions",
	}, []string{"state"})

	MQTTPublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_mqtt_publishes_total",
		Help: "Total number of MQTT messages published by kind",
	}, []string{"kind"})

	MQTTCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_mqtt_commands_total",
		Help: "Total number of MQTT commands ingested by result",
	}, []string{"result"})

	ReconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_reconcile_runs_total",
		Help: "Total number of cross-device reconciler passes by result",
	}, []string{"result"})
)

// IncObjectWrite records one store upsert with the given result label.
func IncObjectWrite(result string) {
	if result == "" {
		result = "unknown"
	}
	ObjectWritesTotal.WithLabelValues(result).Inc()
}
