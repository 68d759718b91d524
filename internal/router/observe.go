package router

import (
	"github.com/juju/clock"

	"ocppmesh/internal/metrics"
)

// MetricsObserver counts forwarding decisions and keeps the most recent
// ones for the status command.
type MetricsObserver struct {
	Metrics *metrics.Metrics
	Clock   clock.Clock
}

func (o *MetricsObserver) OnReceived(*ForwardRequest, Conn) {}

func (o *MetricsObserver) OnDecision(req *ForwardRequest, from Conn, d Decision) {
	o.Metrics.IncDecision(d.Result.String())
	clk := o.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	env := req.Envelope
	o.Metrics.Recent().Add(metrics.DecisionRecord{
		At:          clk.Now().UTC(),
		RequestID:   env.RequestID,
		Action:      env.Action,
		From:        from.ID(),
		Destination: string(env.Destination),
		Path:        env.Path.String(),
		Decision:    d.Result.String(),
	})
}

func (o *MetricsObserver) OnSent(req *ForwardRequest, to Conn, err error) {
	if err != nil {
		o.Metrics.IncDropByReason("relay_failed")
	}
}
