package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	LinkModeLoopback = "loopback"
	LinkModeTCP      = "tcp"
)

type AgentConfig struct {
	Name        string   `toml:"name"`
	LocalEID    uint8    `toml:"local_eid"`
	AdminAddr   string   `toml:"admin_addr"`
	CorsOrigins []string `toml:"cors_origins"`

	Link      LinkConfig       `toml:"link"`
	Transport TransportConfig  `toml:"transport"`
	Endpoints []EndpointConfig `toml:"endpoints"`
}

type LinkConfig struct {
	Mode    string `toml:"mode"`
	Address string `toml:"address"`
}

// TransportConfig carries worker cadence in milliseconds; zero means the
// transport default.
type TransportConfig struct {
	PollIntervalMS   int64 `toml:"poll_interval_ms"`
	SweepIntervalMS  int64 `toml:"sweep_interval_ms"`
	DefaultTimeoutMS int64 `toml:"default_timeout_ms"`
}

func (c TransportConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c TransportConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

func (c TransportConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMS) * time.Millisecond
}

type EndpointConfig struct {
	EID       uint8            `toml:"eid"`
	Name      string           `toml:"name"`
	Kind      string           `toml:"kind"`
	Sensors   []SensorConfig   `toml:"sensors"`
	Effecters []EffecterConfig `toml:"effecters"`
	Pid       *PidConfig       `toml:"pid"`
}

type SensorConfig struct {
	ID         uint16  `toml:"id"`
	Name       string  `toml:"name"`
	Kind       string  `toml:"kind"`
	Min        float64 `toml:"min"`
	Max        float64 `toml:"max"`
	Resolution float64 `toml:"resolution"`
	StateSetID uint16  `toml:"state_set_id"`
}

type EffecterConfig struct {
	ID             uint16   `toml:"id"`
	Name           string   `toml:"name"`
	Kind           string   `toml:"kind"`
	StateSetID     uint16   `toml:"state_set_id"`
	PossibleStates []string `toml:"possible_states"`
	InitialState   string   `toml:"initial_state"`
}

type PidConfig struct {
	Setpoint      float64 `toml:"setpoint"`
	Kp            float64 `toml:"kp"`
	Ki            float64 `toml:"ki"`
	Kd            float64 `toml:"kd"`
	MinOutput     float64 `toml:"min_output"`
	MaxOutput     float64 `toml:"max_output"`
	IntegralLimit float64 `toml:"integral_limit"`
}

func LoadAgentConfig(path string) (AgentConfig, error) {
	var cfg AgentConfig
	if err := loadToml(path, &cfg); err != nil {
		return AgentConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "pldm-agent"
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = ":9000"
	}
	if cfg.Link.Mode == "" {
		cfg.Link.Mode = LinkModeLoopback
	}
	if err := ValidateAgentConfig(cfg); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateAgentConfig(cfg AgentConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("agent config missing name")
	}
	switch cfg.Link.Mode {
	case LinkModeLoopback:
	case LinkModeTCP:
		if strings.TrimSpace(cfg.Link.Address) == "" {
			return fmt.Errorf("link mode %q requires an address", cfg.Link.Mode)
		}
	default:
		return fmt.Errorf("unknown link mode %q", cfg.Link.Mode)
	}

	seen := make(map[uint8]bool, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		if strings.TrimSpace(ep.Name) == "" {
			return fmt.Errorf("endpoint[%d] missing name", i)
		}
		if seen[ep.EID] {
			return fmt.Errorf("endpoint[%d] duplicates eid %d", i, ep.EID)
		}
		seen[ep.EID] = true
		for j, s := range ep.Sensors {
			if strings.TrimSpace(s.Name) == "" {
				return fmt.Errorf("endpoint[%d] sensor[%d] missing name", i, j)
			}
		}
		for j, e := range ep.Effecters {
			if strings.TrimSpace(e.Name) == "" {
				return fmt.Errorf("endpoint[%d] effecter[%d] missing name", i, j)
			}
		}
	}
	return nil
}
