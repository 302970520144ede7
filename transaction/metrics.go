package transaction

import "github.com/prometheus/client_golang/prometheus"

func init() {
	prometheus.MustRegister(promPendingTransactions)
}

var promPendingTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "mdht_transaction_pending",
	Help: "The number of outbound transactions currently awaiting completion.",
})

func recordTransactionOpened() { promPendingTransactions.Inc() }

func recordTransactionClosed() { promPendingTransactions.Dec() }
