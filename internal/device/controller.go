package device

import (
	"errors"
	"math"
	"sync"
	"time"
)

var ErrControllerDisabled = errors.New("device: controller not enabled")

type PidConfig struct {
	Setpoint      float64
	Kp            float64
	Ki            float64
	Kd            float64
	MinOutput     float64
	MaxOutput     float64
	IntegralLimit float64
}

func (c PidConfig) WithDefaults() PidConfig {
	if c.Kp == 0 {
		c.Kp = 1.0
	}
	if c.MinOutput == 0 && c.MaxOutput == 0 {
		c.MinOutput, c.MaxOutput = -100, 100
	}
	if c.IntegralLimit == 0 {
		c.IntegralLimit = 10
	}
	return c
}

// PidController closes a local control loop over a sensor reading and an
// effecter output. The loop math runs here; actually applying the output is
// the caller's job (typically Effecter.SetValue).
type PidController struct {
	mu        sync.Mutex
	cfg       PidConfig
	enabled   bool
	integral  float64
	lastError float64
	lastAt    time.Time
}

func NewPidController(cfg PidConfig) *PidController {
	return &PidController{cfg: cfg.WithDefaults()}
}

func (p *PidController) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = true
}

func (p *PidController) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
}

// Reset clears the accumulated state without touching the gains.
func (p *PidController) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.integral = 0
	p.lastError = 0
	p.lastAt = time.Time{}
}

func (p *PidController) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *PidController) SetSetpoint(sp float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Setpoint = sp
}

func (p *PidController) Setpoint() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Setpoint
}

// Update runs one PID step against the given feedback and returns the
// clamped output.
func (p *PidController) Update(feedback float64) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return 0, ErrControllerDisabled
	}

	err := p.cfg.Setpoint - feedback

	proportional := p.cfg.Kp * err

	// Anti-windup clamp on the accumulator.
	p.integral += err
	if math.Abs(p.integral) > p.cfg.IntegralLimit {
		if p.integral > 0 {
			p.integral = p.cfg.IntegralLimit
		} else {
			p.integral = -p.cfg.IntegralLimit
		}
	}
	integral := p.cfg.Ki * p.integral

	derivative := p.cfg.Kd * (err - p.lastError)
	p.lastError = err
	p.lastAt = time.Now()

	out := proportional + integral + derivative
	if out > p.cfg.MaxOutput {
		out = p.cfg.MaxOutput
	}
	if out < p.cfg.MinOutput {
		out = p.cfg.MinOutput
	}
	return out, nil
}
