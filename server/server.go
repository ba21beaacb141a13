package server

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kfcemployee/cgiserver/server/engine"
	"github.com/kfcemployee/cgiserver/server/protocol"
	"github.com/kfcemployee/cgiserver/server/router"
)

// Config of a server; zero values fall back to engine defaults
type Config struct {
	Addr [4]byte
	Port int
	Root string // document root, default "."

	Workers   int
	QueueSize int
	MaxConns  int

	AcceptRate  float64 // connections per second, 0 = unlimited
	AcceptBurst int

	ServerName string

	Logger   logrus.FieldLogger
	Registry prometheus.Registerer // nil = metrics are not registered
}

// Server ties the reactor to the request handler
// New()   - listen and prepare the reactor
// Run()   - serve until Close
// Close() - stop the reactor, Run returns after cleanup
type Server struct {
	router  *router.Router
	reactor *engine.Reactor
	metrics *engine.Metrics
	log     logrus.FieldLogger
}

func New(cfg Config) (*Server, error) {
	if cfg.Root == "" {
		cfg.Root = "."
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	rt, err := router.New(cfg.Root)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:  rt,
		metrics: engine.NewMetrics(cfg.Registry),
		log:     cfg.Logger,
	}

	s.reactor, err = engine.New(engine.Config{
		Addr:        cfg.Addr,
		Port:        cfg.Port,
		Workers:     cfg.Workers,
		QueueSize:   cfg.QueueSize,
		MaxConns:    cfg.MaxConns,
		AcceptRate:  rate.Limit(cfg.AcceptRate),
		AcceptBurst: cfg.AcceptBurst,
		ServerName:  cfg.ServerName,
		Logger:      cfg.Logger,
		Metrics:     s.metrics,
	}, s)
	if err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s.log.WithField("root", rt.Root()).Info("serving files")
	return s, nil
}

func (s *Server) Addr() netip.AddrPort { return s.reactor.Addr() }

func (s *Server) Run() error { return s.reactor.Run() }

func (s *Server) Close() error { return s.reactor.Close() }

// Process runs on a worker: parse what is buffered, then respond or dispatch
func (s *Server) Process(c *engine.Conn) engine.Action {
	err := protocol.Parse(c)
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrIncomplete):
		if c.ReadIdx < len(c.Buf) {
			return engine.ActionRead
		}
		// nothing more fits, the request can never complete
		err = fmt.Errorf("%w: read buffer full", protocol.ErrTooLarge)
		return s.fail(c, protocol.StatusOf(err), err)
	default:
		return s.fail(c, protocol.StatusOf(err), err)
	}

	t, err := s.router.Resolve(c.Req.URL)
	if err != nil {
		return s.fail(c, router.StatusOf(err), err)
	}
	c.Target = t
	if t.CGI {
		return engine.ActionDispatch
	}

	if err := c.MapFile(t.Path, t.Info.Size()); err != nil {
		return s.fail(c, 500, fmt.Errorf("%w: mmap: %w", protocol.ErrInternal, err))
	}
	if err := protocol.WriteFile(c); err != nil {
		c.Unmap()
		s.log.WithField("conn", c.Handle).WithError(err).Warn("response headers")
		return engine.ActionClose
	}
	s.metrics.Responses.WithLabelValues("200").Inc()
	return engine.ActionWrite
}

// fail buffers an error response, or closes if even that does not fit
func (s *Server) fail(c *engine.Conn, code int, err error) engine.Action {
	s.log.WithFields(logrus.Fields{
		"conn": c.Handle,
		"peer": c.Peer,
		"code": code,
	}).WithError(err).Debug("request failed")

	if werr := protocol.WriteError(c, code); werr != nil {
		return engine.ActionClose
	}
	s.metrics.Responses.WithLabelValues(strconv.Itoa(code)).Inc()
	return engine.ActionWrite
}
