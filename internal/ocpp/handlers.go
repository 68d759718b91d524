package ocpp

import (
	"context"
	"sort"

	"github.com/juju/clock"

	"ocppmesh/internal/action"
)

// Responder answers the shipped actions for a node acting as a central
// system.
type Responder struct {
	Clock             clock.Clock
	HeartbeatInterval int
	// Configuration backs GetConfiguration; keys are reported read-only.
	Configuration map[string]string
}

// Subscribe attaches the responder's handlers to already registered actions.
func (r *Responder) Subscribe(b *action.Builder) *action.Builder {
	b.Subscribe(ActionBootNotification, action.Typed(r.bootNotification))
	b.Subscribe(ActionHeartbeat, action.Typed(r.heartbeat))
	b.Subscribe(ActionGetConfiguration, action.Typed(r.getConfiguration))
	return b
}

func (r *Responder) now() clock.Clock {
	if r.Clock == nil {
		return clock.WallClock
	}
	return r.Clock
}

func (r *Responder) bootNotification(_ context.Context, _ *action.Call, req *BootNotificationRequest) (*BootNotificationResponse, error) {
	status := RegistrationAccepted
	if req.ChargingStation.VendorName == "" || req.ChargingStation.Model == "" {
		status = RegistrationRejected
	}
	return &BootNotificationResponse{
		CurrentTime: r.now().Now().UTC(),
		Interval:    r.HeartbeatInterval,
		Status:      status,
	}, nil
}

func (r *Responder) heartbeat(context.Context, *action.Call, *HeartbeatRequest) (*HeartbeatResponse, error) {
	return &HeartbeatResponse{CurrentTime: r.now().Now().UTC()}, nil
}

func (r *Responder) getConfiguration(_ context.Context, _ *action.Call, req *GetConfigurationRequest) (*GetConfigurationResponse, error) {
	resp := &GetConfigurationResponse{ConfigurationKey: []ConfigurationKey{}}
	keys := req.Key
	if len(keys) == 0 {
		for k := range r.Configuration {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	for _, k := range keys {
		v, ok := r.Configuration[k]
		if !ok {
			resp.UnknownKey = append(resp.UnknownKey, k)
			continue
		}
		resp.ConfigurationKey = append(resp.ConfigurationKey, ConfigurationKey{Key: k, Readonly: true, Value: &v})
	}
	return resp, nil
}
