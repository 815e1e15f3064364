package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidEndpoint   = errors.New("device: invalid endpoint")
	ErrDuplicateEndpoint = errors.New("device: endpoint already registered")
	ErrEndpointNotFound  = errors.New("device: endpoint not found")
)

type EndpointKind string

const (
	EndpointSimple         EndpointKind = "simple"
	EndpointPidControl     EndpointKind = "pid"
	EndpointProfiledMotion EndpointKind = "profiled_motion"
	EndpointComposite      EndpointKind = "composite"
)

// Endpoint groups the device models addressed at one remote EID.
type Endpoint struct {
	EID       uint8
	Name      string
	Kind      EndpointKind
	Sensors   []*Sensor
	Effecters []*Effecter
	PID       *PidController
}

// Capabilities mirrors the static capability report of the original device
// model, served by the admin API.
type Capabilities struct {
	Kind         EndpointKind `json:"kind"`
	MaxSensors   int          `json:"max_sensors"`
	MaxEffecters int          `json:"max_effecters"`
	SupportsPID  bool         `json:"supports_pid"`
}

// Status is a point-in-time admin snapshot for one endpoint.
type Status struct {
	EID           uint8        `json:"eid"`
	Name          string       `json:"name"`
	Kind          EndpointKind `json:"kind"`
	SensorCount   int          `json:"sensor_count"`
	EffecterCount int          `json:"effecter_count"`
	PIDEnabled    bool         `json:"pid_enabled,omitempty"`
	PIDSetpoint   float64      `json:"pid_setpoint,omitempty"`
}

func (e *Endpoint) Capabilities() Capabilities {
	return Capabilities{
		Kind:         e.Kind,
		MaxSensors:   16,
		MaxEffecters: 16,
		SupportsPID:  e.Kind == EndpointPidControl || e.Kind == EndpointProfiledMotion,
	}
}

func (e *Endpoint) Status() Status {
	st := Status{
		EID:           e.EID,
		Name:          e.Name,
		Kind:          e.Kind,
		SensorCount:   len(e.Sensors),
		EffecterCount: len(e.Effecters),
	}
	if e.PID != nil {
		st.PIDSetpoint = e.PID.Setpoint()
		st.PIDEnabled = e.PID.Enabled()
	}
	return st
}

// Registry holds every endpoint the agent manages, keyed by EID.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[uint8]*Endpoint
}

func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[uint8]*Endpoint)}
}

func (r *Registry) Add(ep *Endpoint) error {
	if ep == nil || strings.TrimSpace(ep.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidEndpoint)
	}
	switch ep.Kind {
	case EndpointSimple, EndpointPidControl, EndpointProfiledMotion, EndpointComposite:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEndpoint, ep.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[ep.EID]; ok {
		return fmt.Errorf("%w: eid=%d", ErrDuplicateEndpoint, ep.EID)
	}
	r.endpoints[ep.EID] = ep
	return nil
}

func (r *Registry) Get(eid uint8) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[eid]
	if !ok {
		return nil, fmt.Errorf("%w: eid=%d", ErrEndpointNotFound, eid)
	}
	return ep, nil
}

func (r *Registry) Remove(eid uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[eid]; !ok {
		return false
	}
	delete(r.endpoints, eid)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// Snapshot returns endpoint statuses ordered by EID.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EID < out[j].EID })
	return out
}
