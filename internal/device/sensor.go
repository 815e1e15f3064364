package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iot1/pldmagent/internal/pldm"
)

var (
	ErrInvalidSensor   = errors.New("device: invalid sensor")
	ErrShortResponse   = errors.New("device: response too short")
	ErrCommandRejected = errors.New("device: remote endpoint rejected command")
)

// Requester is the slice of the transport facade device models depend on.
type Requester interface {
	AllocateTag() uint8
	SendAndWait(ctx context.Context, target uint8, msg []byte, timeout time.Duration) ([]byte, error)
}

type SensorKind string

const (
	SensorNumeric SensorKind = "numeric"
	SensorState   SensorKind = "state"
	SensorBoolean SensorKind = "boolean"
	SensorRate    SensorKind = "rate"
)

// SensorConfig carries the per-sensor metadata from agent configuration.
type SensorConfig struct {
	ID         uint16
	Name       string
	Kind       SensorKind
	Target     uint8
	Min        float64
	Max        float64
	Resolution float64
	StateSetID uint16
	Timeout    time.Duration
}

// Sensor issues read requests for one remote sensor through the transport.
type Sensor struct {
	cfg SensorConfig
	tp  Requester
}

func NewSensor(tp Requester, cfg SensorConfig) (*Sensor, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidSensor)
	}
	switch cfg.Kind {
	case SensorNumeric, SensorState, SensorBoolean, SensorRate:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSensor, cfg.Kind)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Sensor{cfg: cfg, tp: tp}, nil
}

func (s *Sensor) ID() uint16       { return s.cfg.ID }
func (s *Sensor) Name() string     { return s.cfg.Name }
func (s *Sensor) Kind() SensorKind { return s.cfg.Kind }

// Reading is one raw answer from the remote endpoint. Field layout of the
// payload is command-specific and stays opaque at this layer.
type Reading struct {
	CompletionCode uint8
	Payload        []byte
	At             time.Time
}

// Read issues the kind-appropriate read command and returns the raw reading.
func (s *Sensor) Read(ctx context.Context) (Reading, error) {
	command := pldm.CmdGetSensorReading
	if s.cfg.Kind == SensorState || s.cfg.Kind == SensorBoolean {
		command = pldm.CmdGetStateSensorReadings
	}

	tag := s.tp.AllocateTag()
	msg := pldm.EncodeRequestHeader(tag, pldm.TypePlatform, command)
	var id [2]byte
	binary.LittleEndian.PutUint16(id[:], s.cfg.ID)
	msg = append(msg, id[:]...)

	resp, err := s.tp.SendAndWait(ctx, s.cfg.Target, msg, s.cfg.Timeout)
	if err != nil {
		return Reading{}, fmt.Errorf("device: read sensor %q: %w", s.cfg.Name, err)
	}
	if len(resp) <= pldm.HeaderLen {
		return Reading{}, fmt.Errorf("%w: sensor %q got %d bytes", ErrShortResponse, s.cfg.Name, len(resp))
	}
	return Reading{
		CompletionCode: resp[pldm.HeaderLen],
		Payload:        resp[pldm.HeaderLen+1:],
		At:             time.Now(),
	}, nil
}
