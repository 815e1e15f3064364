package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "loopback":
		return loopbackTemplate, nil
	case "tcp":
		return tcpTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const loopbackTemplate = `name = "pldm-agent"
local_eid = 8
admin_addr = ":9000"
cors_origins = ["http://localhost:3000"]

[link]
mode = "loopback"

[transport]
poll_interval_ms = 5
sweep_interval_ms = 100
default_timeout_ms = 5000

[[endpoints]]
eid = 20
name = "chassis"
kind = "simple"

  [[endpoints.sensors]]
  id = 7
  name = "inlet-temp"
  kind = "numeric"
  min = -40.0
  max = 125.0

  [[endpoints.effecters]]
  id = 4
  name = "fan-mode"
  kind = "state"
  possible_states = ["off", "low", "high"]
  initial_state = "off"
`

const tcpTemplate = `name = "pldm-agent"
local_eid = 8
admin_addr = ":9000"
cors_origins = ["http://localhost:3000"]

[link]
mode = "tcp"
address = "127.0.0.1:5900"

[transport]
poll_interval_ms = 5
sweep_interval_ms = 100
default_timeout_ms = 5000

[[endpoints]]
eid = 21
name = "thermal-loop"
kind = "pid"

  [[endpoints.sensors]]
  id = 1
  name = "loop-temp"
  kind = "numeric"
  min = 0.0
  max = 100.0

  [[endpoints.effecters]]
  id = 2
  name = "loop-drive"
  kind = "numeric"

  [endpoints.pid]
  setpoint = 22.5
  kp = 2.0
  ki = 0.1
  kd = 0.5
  min_output = -100.0
  max_output = 100.0
  integral_limit = 10.0
`
