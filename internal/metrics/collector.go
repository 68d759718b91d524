package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ocppmesh"

// Collector is a prometheus.Collector exporting the counters of a Metrics
// value. The atomic counters stay the source of truth; Collect turns the
// current snapshot into const metrics.
type Collector struct {
	m *Metrics

	frames     *prometheus.Desc
	inbound    *prometheus.Desc
	outcomes   *prometheus.Desc
	unmatched  *prometheus.Desc
	decisions  *prometheus.Desc
	forwarding *prometheus.Desc
	drops      *prometheus.Desc
	conns      *prometheus.Desc
	pending    *prometheus.Desc
}

// NewCollector returns a Collector for m.
func NewCollector(m *Metrics) *Collector {
	return &Collector{
		m: m,
		frames: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "frames_total"),
			"Transport frames by direction and result.", []string{"direction", "result"}, nil),
		inbound: prometheus.NewDesc(prometheus.BuildFQName(namespace, "inbound", "requests_total"),
			"Requests addressed to this node by result.", []string{"result"}, nil),
		outcomes: prometheus.NewDesc(prometheus.BuildFQName(namespace, "outbound", "outcomes_total"),
			"Originated requests by how they resolved.", []string{"outcome"}, nil),
		unmatched: prometheus.NewDesc(prometheus.BuildFQName(namespace, "outbound", "unmatched_replies_total"),
			"Replies that matched no pending request.", nil, nil),
		decisions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "forwarding", "decisions_total"),
			"Forwarding decisions by kind.", []string{"decision"}, nil),
		forwarding: prometheus.NewDesc(prometheus.BuildFQName(namespace, "forwarding", "events_total"),
			"Forwarding events other than decisions.", []string{"event"}, nil),
		drops: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "drops_total"),
			"Dropped messages by reason.", []string{"reason"}, nil),
		conns: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "connections"),
			"Open transport connections.", nil, nil),
		pending: prometheus.NewDesc(prometheus.BuildFQName(namespace, "outbound", "pending_requests"),
			"Requests waiting for a reply.", nil, nil),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.frames, c.inbound, c.outcomes, c.unmatched, c.decisions, c.forwarding, c.drops, c.conns, c.pending} {
		ch <- d
	}
	c.m.roundTrip.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.frames, s.Frames.Received, "in", "ok")
	counter(c.frames, s.Frames.DecodeErrors, "in", "decode_error")
	counter(c.frames, s.Frames.Sent, "out", "ok")
	counter(c.frames, s.Frames.SendErrors, "out", "send_error")

	counter(c.inbound, s.Inbound.Dispatched, "dispatched")
	counter(c.inbound, s.Inbound.Answered, "answered")
	counter(c.inbound, s.Inbound.HandlerErrors, "handler_error")
	counter(c.inbound, s.Inbound.NotImplemented, "not_implemented")
	counter(c.inbound, s.Inbound.SignatureFails, "signature_fail")

	counter(c.outcomes, s.Outbound.Responses, "response")
	counter(c.outcomes, s.Outbound.Errors, "error")
	counter(c.outcomes, s.Outbound.Timeouts, "timeout")
	counter(c.outcomes, s.Outbound.Closed, "closed")
	counter(c.outcomes, s.Outbound.Cancelled, "cancelled")
	counter(c.outcomes, s.Outbound.SendFailed, "send_failed")
	counter(c.outcomes, s.Outbound.SignatureErrors, "signature_error")
	counter(c.unmatched, s.Outbound.Unmatched)

	counter(c.decisions, s.Forwarding.Forwarded, "forward")
	counter(c.decisions, s.Forwarding.Replaced, "replace")
	counter(c.decisions, s.Forwarding.Rejected, "reject")
	counter(c.decisions, s.Forwarding.Dropped, "drop")
	counter(c.forwarding, s.Forwarding.Received, "received")
	counter(c.forwarding, s.Forwarding.NoRoute, "no_route")
	counter(c.forwarding, s.Forwarding.HopLimit, "hop_limit")
	counter(c.forwarding, s.Forwarding.RepliesRelayed, "reply_relayed")

	for reason, n := range s.DropByReason {
		counter(c.drops, n, reason)
	}
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.CurrentConns))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.Pending))
	c.m.roundTrip.Collect(ch)
}
