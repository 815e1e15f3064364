package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/iot1/pldmagent/internal/admin"
	"github.com/iot1/pldmagent/internal/config"
	"github.com/iot1/pldmagent/internal/device"
	"github.com/iot1/pldmagent/internal/link"
	"github.com/iot1/pldmagent/internal/logging"
	"github.com/iot1/pldmagent/internal/observability"
	"github.com/iot1/pldmagent/internal/transport"
)

func main() {
	configPath := flag.String("config", "cmd/pldmagentd/config.toml", "path to agent config")
	logLevel := flag.String("log-level", "", "override log level (trace|debug|info|warn|error)")
	loopback := flag.Bool("loopback", false, "force the loopback link regardless of config")
	flag.Parse()

	observability.InitLogger("pldmagentd")
	if lvl, ok := logging.ParseLevel(*logLevel); ok {
		zerolog.SetGlobalLevel(lvl)
	} else if lvl, ok := logging.ParseLevel(os.Getenv(logging.EnvLogLevel)); ok {
		zerolog.SetGlobalLevel(lvl)
	}

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load agent config")
	}
	log.Info().Str("path", *configPath).Str("agent", cfg.Name).Msg("loaded agent config")

	lk, err := buildLink(cfg, *loopback)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open link")
	}

	tp := transport.New(lk, transport.Config{
		PollInterval:   cfg.Transport.PollInterval(),
		SweepInterval:  cfg.Transport.SweepInterval(),
		DefaultTimeout: cfg.Transport.DefaultTimeout(),
	})
	if err := tp.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start transport")
	}

	registry, err := buildRegistry(cfg, tp)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build endpoint registry")
	}
	log.Info().Int("endpoints", registry.Len()).Msg("endpoint registry populated")

	server := admin.New(cfg.Name, cfg.AdminAddr, cfg.LocalEID, tp, registry, cfg.CorsOrigins)
	go func() {
		log.Info().Str("addr", cfg.AdminAddr).Msg("admin api listening")
		if err := server.Serve(); err != nil {
			log.Fatal().Err(err).Msg("admin api stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	if err := tp.Close(); err != nil {
		log.Error().Err(err).Msg("transport close failed")
	}
	log.Info().Msg("agent stopped")
}

func buildLink(cfg config.AgentConfig, forceLoopback bool) (transport.Link, error) {
	if forceLoopback || cfg.Link.Mode == config.LinkModeLoopback {
		log.Info().Msg("using loopback link")
		return link.NewEcho(), nil
	}
	log.Info().Str("addr", cfg.Link.Address).Msg("dialing tcp link")
	return link.DialTCP(link.TCPConfig{Address: cfg.Link.Address})
}

func buildRegistry(cfg config.AgentConfig, tp *transport.Transport) (*device.Registry, error) {
	registry := device.NewRegistry()
	for _, epc := range cfg.Endpoints {
		ep := &device.Endpoint{
			EID:  epc.EID,
			Name: epc.Name,
			Kind: endpointKind(epc.Kind),
		}
		for _, sc := range epc.Sensors {
			sensor, err := device.NewSensor(tp, device.SensorConfig{
				ID:         sc.ID,
				Name:       sc.Name,
				Kind:       device.SensorKind(sc.Kind),
				Target:     epc.EID,
				Min:        sc.Min,
				Max:        sc.Max,
				Resolution: sc.Resolution,
				StateSetID: sc.StateSetID,
				Timeout:    cfg.Transport.DefaultTimeout(),
			})
			if err != nil {
				return nil, err
			}
			ep.Sensors = append(ep.Sensors, sensor)
		}
		for _, ec := range epc.Effecters {
			eff, err := device.NewEffecter(tp, device.EffecterConfig{
				ID:             ec.ID,
				Name:           ec.Name,
				Kind:           device.EffecterKind(ec.Kind),
				Target:         epc.EID,
				StateSetID:     ec.StateSetID,
				PossibleStates: ec.PossibleStates,
				InitialState:   ec.InitialState,
				Timeout:        cfg.Transport.DefaultTimeout(),
			})
			if err != nil {
				return nil, err
			}
			ep.Effecters = append(ep.Effecters, eff)
		}
		if epc.Pid != nil {
			ep.PID = device.NewPidController(device.PidConfig{
				Setpoint:      epc.Pid.Setpoint,
				Kp:            epc.Pid.Kp,
				Ki:            epc.Pid.Ki,
				Kd:            epc.Pid.Kd,
				MinOutput:     epc.Pid.MinOutput,
				MaxOutput:     epc.Pid.MaxOutput,
				IntegralLimit: epc.Pid.IntegralLimit,
			})
		}
		if err := registry.Add(ep); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func endpointKind(kind string) device.EndpointKind {
	if kind == "" {
		return device.EndpointSimple
	}
	return device.EndpointKind(kind)
}
