// Copyright 2018 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the local proxy's FlowStat sink and related
// counters as Prometheus collectors, the way the teacher's shadowsocks
// package wires connection metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of Prometheus collectors a running local proxy
// registers. Call NewMetrics once and pass it to every connection handler.
type Metrics struct {
	TxBytes           prometheus.Counter
	RxBytes           prometheus.Counter
	ActiveConnections prometheus.Gauge
	BypassedConnections prometheus.Counter
	ProxiedConnections  prometheus.Counter
	DNSSniffHits      prometheus.Counter
	ReplayRejections  prometheus.Counter
	ServerConnectFailures *prometheus.CounterVec
}

// NewMetrics builds and registers a Metrics set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TxBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sslocal", Name: "tx_bytes_total", Help: "Bytes sent toward the destination.",
		}),
		RxBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sslocal", Name: "rx_bytes_total", Help: "Bytes received from the destination.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sslocal", Name: "active_connections", Help: "Client connections currently being relayed.",
		}),
		BypassedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sslocal", Name: "bypassed_connections_total", Help: "Connections dialed directly instead of through a server.",
		}),
		ProxiedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sslocal", Name: "proxied_connections_total", Help: "Connections relayed through an upstream server.",
		}),
		DNSSniffHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sslocal", Name: "dns_sniff_hits_total", Help: "In-band DNS messages sniffed off port-53 connections.",
		}),
		ReplayRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sslocal", Name: "replay_rejections_total", Help: "Freshly generated salts/IVs discarded and redrawn because the nonce cache had already seen them.",
		}),
		ServerConnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sslocal", Name: "server_connect_failures_total", Help: "Failed dials to an upstream server, by server name.",
		}, []string{"server"}),
	}
	reg.MustRegister(m.TxBytes, m.RxBytes, m.ActiveConnections, m.BypassedConnections,
		m.ProxiedConnections, m.DNSSniffHits, m.ReplayRejections, m.ServerConnectFailures)
	return m
}
