/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// This file handles the command endpoints along with metrics/health/log-level

package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/londiste-controller/controller"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const requestIdHeader = "X-Request-Id"

// Controller is what the web server drives.
type Controller interface {
	Execute(ctx context.Context, name string, args controller.CommandArgs, out io.Writer) error
}

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Controller    Controller

	// Wait-event requests may block for their whole timeout.
	WriteTimeout time.Duration
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	controller    Controller
	writeTimeout  time.Duration
	httpServer    *http.Server

	healthy atomic.Bool
}

func NewWebServer(opts WebServerOptions) *WebServer {
	w := &WebServer{
		logger:        opts.Logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		controller:    opts.Controller,
		writeTimeout:  opts.WriteTimeout,
	}
	w.init()

	return w
}

func (w *WebServer) init() {
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	if w.writeTimeout <= 0 {
		w.writeTimeout = 10 * time.Minute
	}

	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: w.writeTimeout,
	}
}

func (w *WebServer) MarkHealthy() {
	w.healthy.Store(true)
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the londiste controller webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if !w.healthy.Load() {
		rw.WriteHeader(http.StatusServiceUnavailable)
		_, _ = rw.Write([]byte("starting"))
		return
	}

	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}

type commandResponse struct {
	RequestId string `json:"request_id"`
	Command   string `json:"command"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
	Output    string `json:"output,omitempty"`
}

func statusCodeFromError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, controller.ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, controller.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrUnknownNode):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, controller.ErrMissingConfig):
		return http.StatusPreconditionFailed
	case errors.Is(err, controller.ErrConnectionFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (w *WebServer) runCommand(rw http.ResponseWriter, r *http.Request, command string, args controller.CommandArgs) {
	requestId := r.Header.Get(requestIdHeader)
	if requestId == "" {
		requestId = uuid.NewString()
	}
	logger := w.logger.With(
		zap.String("request-id", requestId),
		zap.String("command", command))

	logger.Debug("handling command request")

	var out bytes.Buffer
	err := w.controller.Execute(r.Context(), command, args, &out)

	resp := commandResponse{
		RequestId: requestId,
		Command:   controller.CanonicalCommand(command),
		Outcome:   controller.Outcome(err),
		Output:    out.String(),
	}
	if err != nil {
		resp.Error = err.Error()
		logger.Debug("command request failed", zap.Error(err))
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set(requestIdHeader, requestId)
	rw.WriteHeader(statusCodeFromError(err))

	err = json.NewEncoder(rw).Encode(&resp)
	if err != nil {
		logger.Debug("failed to write command response", zap.Error(err))
	}
}

func (w *WebServer) handleCommand(rw http.ResponseWriter, r *http.Request) {
	command := mux.Vars(r)["command"]

	var args controller.CommandArgs
	if r.ContentLength != 0 {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		err := dec.Decode(&args)
		if err != nil && !errors.Is(err, io.EOF) {
			w.runCommandError(rw, command, errors.Wrapf(controller.ErrInvalidInput, "request body: %s", err))
			return
		}
	}

	w.runCommand(rw, r, command, args)
}

func (w *WebServer) runCommandError(rw http.ResponseWriter, command string, err error) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(statusCodeFromError(err))
	_ = json.NewEncoder(rw).Encode(&commandResponse{
		Command: controller.CanonicalCommand(command),
		Outcome: controller.Outcome(err),
		Error:   err.Error(),
	})
}

func (w *WebServer) handleReport(command string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		requestId := uuid.NewString()

		var out bytes.Buffer
		err := w.controller.Execute(r.Context(), command, controller.CommandArgs{}, &out)
		rw.Header().Set(requestIdHeader, requestId)
		if err != nil {
			w.logger.Debug("report request failed",
				zap.String("request-id", requestId),
				zap.String("command", command),
				zap.Error(err))

			http.Error(rw, err.Error(), statusCodeFromError(err))
			return
		}

		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write(out.Bytes())
	}
}

// Handler returns the full route set of the server.
func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	if w.logLevel != nil {
		// zap serves GET and PUT of {"level":"debug"}
		r.Handle("/log-level", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}

	if w.controller != nil {
		r.HandleFunc("/status", w.handleReport(controller.CommandStatus)).Methods(http.MethodGet)
		r.HandleFunc("/capabilities", w.handleReport(controller.CommandCapabilities)).Methods(http.MethodGet)
		r.HandleFunc("/commands/{command}", w.handleCommand).Methods(http.MethodPost)
	}

	r.HandleFunc("/", w.handleRoot)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
	})

	return otelhttp.NewHandler(c.Handler(r), "webapi")
}

func (w *WebServer) ListenAndServe() error {
	err := w.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (w *WebServer) Shutdown(ctx context.Context) error {
	return w.httpServer.Shutdown(ctx)
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

// InitializeWebServer starts the process wide web server once.
func InitializeWebServer(opts WebServerOptions) *WebServer {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return globalWebServer
	}

	globalWebServer = NewWebServer(opts)
	srv := globalWebServer
	globalWebLock.Unlock()

	go func() {
		err := srv.ListenAndServe()
		if err != nil {
			srv.logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()

	return srv
}
