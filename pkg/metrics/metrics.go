// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package metrics provides Prometheus metrics for the bridge.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectsTotal counts connect attempts by outcome ("success", "failure").
	ConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_bridge_connects_total",
		Help: "The total number of broker connect attempts.",
	},
		[]string{"result"},
	)

	// ActiveConnections is the number of connections currently connected.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_bridge_active_connections",
		Help: "The number of broker connections currently open.",
	})

	// BrokerOperationsTotal counts subscribe/unsubscribe/publish calls by outcome.
	BrokerOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_bridge_broker_operations_total",
		Help: "The total number of broker operations issued by the bridge.",
	},
		[]string{"op", "result"},
	)

	// RestoredSubscriptionsTotal counts persisted subscriptions replayed on connect.
	RestoredSubscriptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_bridge_restored_subscriptions_total",
		Help: "The total number of persisted subscriptions restored after connect.",
	},
		[]string{"result"},
	)

	// MessagesTotal counts recorded messages by direction.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_bridge_messages_total",
		Help: "The total number of messages recorded by the bridge.",
	},
		[]string{"direction"},
	)

	// PersistenceSavesTotal counts subscription store saves by outcome.
	PersistenceSavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_bridge_persistence_saves_total",
		Help: "The total number of subscription persistence saves.",
	},
		[]string{"result"},
	)
)

// Result converts an error into the "result" label value.
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Printf("[INFO] Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
