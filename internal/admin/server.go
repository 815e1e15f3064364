package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/iot1/pldmagent/internal/device"
	"github.com/iot1/pldmagent/internal/observability"
)

// TransportStatus is the slice of the transport the admin surface reports on.
type TransportStatus interface {
	IsRunning() bool
	PendingCount() int
}

type Server struct {
	name      string
	addr      string
	localEID  uint8
	transport TransportStatus
	registry  *device.Registry
	router    *gin.Engine
	appeared  time.Time
}

func New(name, addr string, localEID uint8, transport TransportStatus, registry *device.Registry, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		name:      name,
		addr:      addr,
		localEID:  localEID,
		transport: transport,
		registry:  registry,
		router:    r,
		appeared:  time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) Serve() error {
	return s.router.Run(s.addr)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.name,
			"version": "0.0.1",
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":   s.name,
			"local_eid": s.localEID,
			"running":   s.transport.IsRunning(),
			"pending":   s.transport.PendingCount(),
			"endpoints": s.registry.Len(),
			"uptime":    time.Since(s.appeared).String(),
		})
	})

	s.router.GET("/endpoints", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"endpoints": s.registry.Snapshot()})
	})

	s.router.GET("/endpoints/:eid/capabilities", func(c *gin.Context) {
		ep, ok := s.endpointParam(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, ep.Capabilities())
	})

	s.router.GET("/endpoints/:eid/sensors/:name/reading", func(c *gin.Context) {
		ep, ok := s.endpointParam(c)
		if !ok {
			return
		}
		sensor := findSensor(ep, c.Param("name"))
		if sensor == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "sensor not found"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()
		reading, err := sensor.Read(ctx)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"sensor":          sensor.Name(),
			"completion_code": reading.CompletionCode,
			"payload":         reading.Payload,
			"at":              reading.At,
		})
	})

	s.router.POST("/endpoints/:eid/effecters/:name/state", func(c *gin.Context) {
		ep, ok := s.endpointParam(c)
		if !ok {
			return
		}

		var body struct {
			State string `json:"state"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.State == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry a state"})
			return
		}

		eff := findEffecter(ep, c.Param("name"))
		if eff == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "effecter not found"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()
		if err := eff.SetState(ctx, body.State); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, device.ErrUnknownState) || errors.Is(err, device.ErrInvalidEffecter) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "state": eff.CurrentState()})
	})

	s.router.POST("/endpoints/:eid/pid/setpoint", func(c *gin.Context) {
		ep, ok := s.endpointParam(c)
		if !ok {
			return
		}
		if ep.PID == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint has no controller"})
			return
		}

		var body struct {
			Setpoint float64 `json:"setpoint"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry a setpoint"})
			return
		}
		ep.PID.SetSetpoint(body.Setpoint)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "setpoint": ep.PID.Setpoint()})
	})
}

func (s *Server) endpointParam(c *gin.Context) (*device.Endpoint, bool) {
	eid, err := strconv.ParseUint(c.Param("eid"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "eid must be 0-255"})
		return nil, false
	}
	ep, err := s.registry.Get(uint8(eid))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return ep, true
}

func findSensor(ep *device.Endpoint, name string) *device.Sensor {
	for _, s := range ep.Sensors {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func findEffecter(ep *device.Endpoint, name string) *device.Effecter {
	for _, eff := range ep.Effecters {
		if eff.Name() == name {
			return eff
		}
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
