package dht

import "github.com/prometheus/client_golang/prometheus"

func init() {
	prometheus.MustRegister(promPeerEntries)
	prometheus.MustRegister(promPeerExpired)
}

var promPeerEntries = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "mdht_peerstore_entries",
	Help: "The number of (target, endpoint) peer entries currently stored.",
})

var promPeerExpired = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "mdht_peerstore_expired_total",
	Help: "The total number of peer entries lazily pruned for exceeding PEER_TIMEOUT.",
})

func recordPeerEntriesDelta(delta float64) { promPeerEntries.Add(delta) }

func recordPeerExpired(n float64) { promPeerExpired.Add(n) }
