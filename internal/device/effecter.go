package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/iot1/pldmagent/internal/pldm"
)

var (
	ErrInvalidEffecter = errors.New("device: invalid effecter")
	ErrUnknownState    = errors.New("device: state not in possible set")
)

type EffecterKind string

const (
	EffecterState   EffecterKind = "state"
	EffecterNumeric EffecterKind = "numeric"
)

type EffecterConfig struct {
	ID             uint16
	Name           string
	Kind           EffecterKind
	Target         uint8
	StateSetID     uint16
	PossibleStates []string
	InitialState   string
	Timeout        time.Duration
}

// Effecter drives one remote effecter through the transport. State changes
// are validated locally before any request leaves the agent.
type Effecter struct {
	cfg EffecterConfig
	tp  Requester

	mu        sync.Mutex
	current   string
	lastValue float64
	lastSetAt time.Time
}

func NewEffecter(tp Requester, cfg EffecterConfig) (*Effecter, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidEffecter)
	}
	switch cfg.Kind {
	case EffecterState, EffecterNumeric:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEffecter, cfg.Kind)
	}
	if cfg.Kind == EffecterState && len(cfg.PossibleStates) == 0 {
		if cfg.InitialState == "" {
			return nil, fmt.Errorf("%w: state effecter %q has no possible states", ErrInvalidEffecter, cfg.Name)
		}
		cfg.PossibleStates = []string{cfg.InitialState}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Effecter{cfg: cfg, tp: tp, current: cfg.InitialState}, nil
}

func (e *Effecter) ID() uint16         { return e.cfg.ID }
func (e *Effecter) Name() string       { return e.cfg.Name }
func (e *Effecter) Kind() EffecterKind { return e.cfg.Kind }

func (e *Effecter) CurrentState() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// SetState requests a state change on the remote endpoint and records it
// locally once the endpoint confirms.
func (e *Effecter) SetState(ctx context.Context, state string) error {
	index := -1
	for i, s := range e.cfg.PossibleStates {
		if s == state {
			index = i
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownState, state)
	}

	tag := e.tp.AllocateTag()
	msg := pldm.EncodeRequestHeader(tag, pldm.TypePlatform, pldm.CmdSetStateEffecterStates)
	var id [2]byte
	binary.LittleEndian.PutUint16(id[:], e.cfg.ID)
	msg = append(msg, id[:]...)
	msg = append(msg, byte(index))

	if err := e.roundTrip(ctx, msg); err != nil {
		return fmt.Errorf("device: set state on %q: %w", e.cfg.Name, err)
	}

	e.mu.Lock()
	e.current = state
	e.lastSetAt = time.Now()
	e.mu.Unlock()
	return nil
}

// SetValue drives a numeric effecter.
func (e *Effecter) SetValue(ctx context.Context, value float64) error {
	if e.cfg.Kind != EffecterNumeric {
		return fmt.Errorf("%w: %q is not numeric", ErrInvalidEffecter, e.cfg.Name)
	}

	tag := e.tp.AllocateTag()
	msg := pldm.EncodeRequestHeader(tag, pldm.TypePlatform, pldm.CmdSetNumericEffecterValue)
	var body [6]byte
	binary.LittleEndian.PutUint16(body[0:2], e.cfg.ID)
	binary.LittleEndian.PutUint32(body[2:6], math.Float32bits(float32(value)))
	msg = append(msg, body[:]...)

	if err := e.roundTrip(ctx, msg); err != nil {
		return fmt.Errorf("device: set value on %q: %w", e.cfg.Name, err)
	}

	e.mu.Lock()
	e.lastValue = value
	e.lastSetAt = time.Now()
	e.mu.Unlock()
	return nil
}

func (e *Effecter) roundTrip(ctx context.Context, msg []byte) error {
	resp, err := e.tp.SendAndWait(ctx, e.cfg.Target, msg, e.cfg.Timeout)
	if err != nil {
		return err
	}
	if len(resp) <= pldm.HeaderLen {
		return ErrShortResponse
	}
	if code := resp[pldm.HeaderLen]; code != 0 {
		return fmt.Errorf("%w: completion=0x%02X", ErrCommandRejected, code)
	}
	return nil
}
