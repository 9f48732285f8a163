package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	findContentMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histnet_findcontent_messages_sent_total",
		Help: "The number of FINDCONTENT messages sent.",
	})
	contentMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histnet_content_messages_received_total",
		Help: "The number of CONTENT responses received.",
	})
	offerMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histnet_offer_messages_sent_total",
		Help: "The number of OFFER messages sent.",
	})
	contentStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histnet_content_stored_total",
		Help: "Content items accepted into the history store, by type.",
	}, []string{"type"})
	contentRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histnet_content_rejected_total",
		Help: "Content items that failed validation, by type.",
	}, []string{"type"})
	accumulatorHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "histnet_accumulator_height",
		Help: "The block number of the header accumulator tip.",
	})
)
