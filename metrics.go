package kestrel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAdmit = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_reputation_admit_total",
			Help: "Reputation checks of client IPs by stage and decision.",
		},
		[]string{"stage", "decision"}, // stage: connect, mailfrom, auth
	)
	metricDNSBL = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_dnsbl_lookup_total",
			Help: "DNS block list lookups by zone and status.",
		},
		[]string{"zone", "status"},
	)
	metricDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_delivery_total",
			Help: "Completed DATA transactions by outcome.",
		},
		[]string{"outcome"}, // accept, quarantine, reject
	)
	metricOutbound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_outbound_signed_total",
			Help: "Outbound messages signed, by result.",
		},
		[]string{"result"}, // ok, quota, error
	)
)
