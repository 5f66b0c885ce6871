// Package notify fans routed advisory decisions out to delivery sinks.
// Each sink subscribes to a set of lanes; the dispatcher delivers a
// decision to every sink registered for its lane. Delivery is best effort:
// a failing sink never blocks the pipeline or the other sinks.
package notify

import (
	"context"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/advisory"
)

// Sink delivers a routed decision to one destination.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Lanes returns the lanes this sink wants to receive.
	Lanes() []advisory.Lane

	Deliver(ctx context.Context, routed *advisory.Routed) error
}

// Delivery records the outcome of one sink delivery attempt.
type Delivery struct {
	Sink string
	Err  error
}

// Dispatcher routes decisions to the sinks registered for their lane.
type Dispatcher struct {
	sinks  []Sink
	logger log.Logger
}

// NewDispatcher creates a dispatcher over the given sinks.
func NewDispatcher(logger log.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, logger: logger}
}

// Register adds a sink. Not safe for concurrent use with Dispatch; register
// everything during startup.
func (d *Dispatcher) Register(sink Sink) {
	d.sinks = append(d.sinks, sink)
}

// Dispatch delivers routed to every sink subscribed to its lane and returns
// one Delivery per attempt. Sink errors are recorded, never propagated.
func (d *Dispatcher) Dispatch(ctx context.Context, routed *advisory.Routed) []Delivery {
	var out []Delivery
	for _, sink := range d.sinks {
		if !wantsLane(sink, routed.Decision.Lane) {
			continue
		}
		err := sink.Deliver(ctx, routed)
		out = append(out, Delivery{Sink: sink.Name(), Err: err})
		if err != nil {
			d.logger.Error(ctx, err, "sink delivery failed",
				"sink", sink.Name(),
				"lane", routed.Decision.Lane,
				"dedupe_key", routed.Item.DedupeKey,
			)
		}
	}
	return out
}

func wantsLane(sink Sink, lane advisory.Lane) bool {
	for _, l := range sink.Lanes() {
		if l == lane {
			return true
		}
	}
	return false
}
