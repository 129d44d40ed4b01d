// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package server exposes metrics and the counter status over HTTP.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const DefaultShutdownTimeout = 10 * time.Second

// Wrapper decorates the root handler.
type Wrapper interface {
	WrapHandler(http.Handler) http.Handler
}

type HTTPConfig struct {
	ReadTimeout       time.Duration `yaml:"readTimeout"       json:"readTimeout"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout" json:"readHeaderTimeout"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"      json:"writeTimeout"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"       json:"idleTimeout"`
}

func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

type Server struct {
	baseURL string
	log     logging.Logger

	shutdownTimeout time.Duration

	router *mux.Router
	srv    *http.Server

	listener net.Listener
}

func New(
	baseURL string,
	log logging.Logger,
	listener net.Listener,
	httpConfig HTTPConfig,
	allowedOrigins []string,
	shutdownTimeout time.Duration,
	wrappers ...Wrapper,
) *Server {
	router := mux.NewRouter()
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowCredentials: true,
	}).Handler(router)
	var handler http.Handler = gziphandler.GzipHandler(corsHandler)
	for _, wrapper := range wrappers {
		handler = wrapper.WrapHandler(handler)
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	log.Info("API created",
		zap.Stringer("addr", listener.Addr()),
		zap.Strings("allowedOrigins", allowedOrigins),
	)
	return &Server{
		baseURL:         baseURL,
		log:             log,
		shutdownTimeout: shutdownTimeout,
		router:          router,
		srv: &http.Server{
			Handler:           handler,
			ReadTimeout:       httpConfig.ReadTimeout,
			ReadHeaderTimeout: httpConfig.ReadHeaderTimeout,
			WriteTimeout:      httpConfig.WriteTimeout,
			IdleTimeout:       httpConfig.IdleTimeout,
		},
		listener: listener,
	}
}

// Dispatch serves until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Dispatch() error {
	return s.srv.Serve(s.listener)
}

// AddRoute serves [handler] at [baseURL]/[base][endpoint].
func (s *Server) AddRoute(handler http.Handler, base, endpoint string) {
	url := fmt.Sprintf("%s/%s%s", s.baseURL, base, endpoint)
	s.log.Info("adding route",
		zap.String("url", url),
	)
	s.router.Handle(url, handler)
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	err := s.srv.Shutdown(ctx)
	cancel()

	// If shutdown times out, make sure the server is still shutdown.
	_ = s.srv.Close()
	return err
}
