package tp

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type brokerMetrics struct {
	framesReceived   prometheus.Counter
	framesSent       prometheus.Counter
	messagesSent     *prometheus.CounterVec
	messagesReceived prometheus.Counter
	flowControlSent  *prometheus.CounterVec
	reassemblyErrors *prometheus.CounterVec
	transportErrors  *prometheus.CounterVec
	inboundDepth     prometheus.Gauge
}

func newBrokerMetrics(reg prometheus.Registerer) *brokerMetrics {
	return &brokerMetrics{
		framesReceived: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isotp",
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "CAN frames read from the transport.",
		})),
		framesSent: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isotp",
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "CAN frames written to the transport.",
		})),
		messagesSent: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isotp",
			Subsystem: "channel",
			Name:      "messages_sent_total",
			Help:      "Outbound messages by result.",
		}, []string{"result"})),
		messagesReceived: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isotp",
			Subsystem: "channel",
			Name:      "messages_received_total",
			Help:      "Reassembled inbound messages.",
		})),
		flowControlSent: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isotp",
			Subsystem: "broker",
			Name:      "flow_control_sent_total",
			Help:      "Flow control frames sent by status.",
		}, []string{"status"})),
		reassemblyErrors: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isotp",
			Subsystem: "broker",
			Name:      "reassembly_errors_total",
			Help:      "Abandoned inbound messages by reason.",
		}, []string{"reason"})),
		transportErrors: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isotp",
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Transport errors by kind.",
		}, []string{"kind"})),
		inboundDepth: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "isotp",
			Subsystem: "broker",
			Name:      "inbound_queue_depth",
			Help:      "Frames waiting in the inbound queue.",
		})),
	}
}

// register adds c to reg, reusing an identical collector that is already
// registered. A nil registerer leaves c unregistered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch err.(type) {
	case DestinationTimeoutError:
		return "timeout"
	case DestinationOverflowError:
		return "overflow"
	case MaximumWaitFrameReachedError:
		return "wait_limit"
	case FragmentationNotAllowedError:
		return "functional"
	case ChannelClosedError, BrokerClosedError:
		return "closed"
	case TransportError:
		return "transport"
	}
	return "error"
}

func reasonLabel(err error) string {
	switch err.(type) {
	case TooManyOutOfOrderFramesError:
		return "out_of_order"
	case ReassemblyTimeoutError:
		return "timeout"
	case MessageTooLargeError:
		return "too_large"
	}
	return "other"
}
