// Package server exposes the pipeline on a single listener: gRPC push
// streams and HTTP (admin API, /metrics, pprof) are split with cmux.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/maxpert/ripple/admin"
	"github.com/maxpert/ripple/cfg"
	"github.com/maxpert/ripple/pipeline"
	"github.com/maxpert/ripple/transport/push"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

const shutdownTimeout = 5 * time.Second

// Config selects what the listener serves
type Config struct {
	Address        string
	Port           int
	Push           cfg.PushConfiguration
	Admin          cfg.AdminConfiguration
	MetricsHandler http.Handler
}

// ConfigFrom reads the server sections of a configuration
func ConfigFrom(c *cfg.Configuration, metrics http.Handler) Config {
	return Config{
		Address:        c.Server.BindAddress,
		Port:           c.Server.Port,
		Push:           c.Push,
		Admin:          c.Admin,
		MetricsHandler: metrics,
	}
}

type Server struct {
	config   Config
	pipeline *pipeline.Pipeline

	listener   net.Listener
	mux        cmux.CMux
	grpcServer *grpc.Server
	httpServer *http.Server
}

func New(config Config, p *pipeline.Pipeline) *Server {
	return &Server{
		config:   config,
		pipeline: p,
	}
}

// Start listens on the configured address
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(listener)
}

// Serve starts serving on an existing listener and returns immediately
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener
	s.mux = cmux.New(listener)

	httpListener := s.mux.Match(cmux.HTTP1Fast())
	grpcListener := s.mux.Match(cmux.Any())

	s.httpServer = &http.Server{
		Handler:           s.httpHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.grpcServer = s.newGRPCServer()

	log.Info().
		Str("address", listener.Addr().String()).
		Bool("push", s.config.Push.Enabled).
		Bool("admin", s.config.Admin.Enabled).
		Msg("Multiplexing HTTP and gRPC on one listener")

	go func() {
		if err := s.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	go func() {
		if err := s.grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	go func() {
		if err := s.mux.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error().Err(err).Msg("cmux failed")
		}
	}()

	return nil
}

func (s *Server) newGRPCServer() *grpc.Server {
	keepaliveTime := time.Duration(s.config.Push.KeepaliveSeconds) * time.Second
	if keepaliveTime <= 0 {
		keepaliveTime = 60 * time.Second
	}

	srv := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    keepaliveTime,
			Timeout: 10 * time.Second,
		}),
		grpc.ChainStreamInterceptor(push.StreamServerInterceptor(s.config.Push.Secret)),
	)

	if s.config.Push.Enabled {
		push.RegisterCompressor(s.config.Push.CompressionLevel)
		auth := push.NewTokenAuthenticator(s.config.Push.Tokens, s.config.Push.AllowAnonymous)
		push.Register(srv, push.NewServer(push.Config{
			InitTimeout: time.Duration(s.config.Push.InitTimeoutMS) * time.Millisecond,
			Keepalive:   keepaliveTime,
		}, s.pipeline.Registry(), s.pipeline.Broadcaster(), s.pipeline, auth))
		log.Info().Str("service", push.ServiceName).Msg("Push endpoint enabled")
	}

	reflection.Register(srv)
	return srv
}

func (s *Server) httpHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if s.config.MetricsHandler != nil {
		mux.Handle("/metrics", s.config.MetricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	if s.config.Admin.Enabled {
		admin.RegisterRoutes(mux, admin.NewAdminHandlers(s.pipeline), s.config.Admin.Token)
	}
	return mux
}

// Addr returns the bound address once serving
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop ends push streams and HTTP requests, then closes the listener
func (s *Server) Stop() {
	if s.grpcServer != nil {
		log.Info().Msg("Stopping gRPC server")
		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			s.grpcServer.Stop()
		}
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
	}

	if s.listener != nil {
		_ = s.listener.Close()
	}
}
