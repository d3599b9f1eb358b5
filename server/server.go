// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package server implements the HTTP front-end: requests are dispatched
// into a worker with a fresh request context, upgrade requests are
// coupled onto WebSocket pairs, and typed gateway errors are translated
// into the JSON error-body convention.
package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"miniflare.dev/miniflare/gate"
	"miniflare.dev/miniflare/wspair"
)

var mon = monkit.Package()

// Error is the default server error class.
var Error = errs.Class("server")

// controlHeaderPrefix marks request headers reserved for test-only
// control; they are stripped before the worker observes the request.
const controlHeaderPrefix = "mf-"

// errorStackHeader is set on error responses that carry a stack.
const errorStackHeader = "MF-Experimental-Error-Stack"

// Response is what a worker produces for a dispatched request. A
// non-nil WebSocket carries the worker's end of a pair to couple onto
// the upgraded connection.
type Response struct {
	Status    int
	Header    http.Header
	Body      io.ReadCloser
	WebSocket *wspair.Socket
}

// Worker handles dispatched events.
type Worker interface {
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
	Scheduled(ctx context.Context, scheduledTime time.Time, cron string) error
}

// Config holds the front-end settings.
type Config struct {
	Address         string `help:"address for the http front-end" default:"127.0.0.1:8787"`
	SubrequestLimit int    `help:"external subrequest budget per request, 0 for unlimited" default:"50"`
	ErrorStacks     bool   `help:"attach error stacks to error responses" default:"true"`
}

// Server is the HTTP front-end. It implements http.Handler so tests can
// drive it without a listener.
type Server struct {
	log      *zap.Logger
	worker   Worker
	config   Config
	router   *mux.Router
	upgrader websocket.Upgrader

	addr string
}

// New creates a front-end dispatching into worker.
func New(log *zap.Logger, worker Worker, config Config) *Server {
	server := &Server{
		log:    log,
		worker: worker,
		config: config,
	}

	router := mux.NewRouter()
	router.HandleFunc("/.mf/health", server.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/.mf/scheduled", server.handleScheduled).Methods(http.MethodPost)
	router.PathPrefix("/").HandlerFunc(server.handleFetch)
	server.router = router
	return server
}

func (server *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	server.router.ServeHTTP(w, r)
}

// Addr returns the bound listen address once Run has started.
func (server *Server) Addr() string { return server.addr }

// Run listens on the configured address and serves until ctx is done.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	listener, err := net.Listen("tcp", server.config.Address)
	if err != nil {
		return Error.Wrap(err)
	}
	server.addr = listener.Addr().String()
	server.log.Info("listening", zap.String("address", server.addr))

	httpServer := &http.Server{
		Handler: server,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(httpServer.Shutdown(context.Background()))
	})
	group.Go(func() error {
		err := httpServer.Serve(listener)
		if err == http.ErrServerClosed {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

func (server *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

// handleScheduled triggers the worker's scheduled handler, with
// optional "time" (unix millis) and "cron" query parameters.
func (server *Server) handleScheduled(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	scheduled := time.Now()
	if raw := r.URL.Query().Get("time"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			server.writeError(w, Error.New("invalid time: %q", raw))
			return
		}
		scheduled = time.UnixMilli(ms)
	}
	cron := r.URL.Query().Get("cron")

	if err := server.worker.Scheduled(ctx, scheduled, cron); err != nil {
		server.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (server *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	request := gate.NewRequest(server.config.SubrequestLimit)
	ctx = gate.WithRequest(ctx, request)
	stripControlHeaders(r.Header)

	response, err := server.worker.Fetch(ctx, r.WithContext(ctx))
	if err != nil {
		server.writeError(w, err)
		return
	}
	if response == nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "<miss>")
		return
	}

	if response.WebSocket != nil {
		server.serveWebSocket(ctx, w, r, response.WebSocket)
		return
	}

	// no side effect escapes before the write it depends on is durable
	if err := request.Output.Wait(ctx); err != nil {
		server.writeError(w, err)
		return
	}

	for name, values := range response.Header {
		w.Header()[name] = values
	}
	status := response.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if response.Body != nil {
		if _, err := io.Copy(w, response.Body); err != nil {
			server.log.Debug("response body aborted", zap.Error(err))
		}
		if err := response.Body.Close(); err != nil {
			server.log.Debug("response body close failed", zap.Error(err))
		}
	}
}

// serveWebSocket upgrades the connection and couples it onto the
// worker's end of the pair, blocking until either side closes.
func (server *Server) serveWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, end *wspair.Socket) {
	if !websocket.IsWebSocketUpgrade(r) {
		server.writeError(w, Error.New("worker returned a WebSocket for a non-upgrade request"))
		return
	}
	conn, err := server.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the failure response
		server.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	if err := wspair.Couple(ctx, server.log, conn, end); err != nil {
		server.log.Debug("websocket coupling ended", zap.Error(err))
	}
}

// stripControlHeaders removes reserved control headers so the worker
// never observes them.
func stripControlHeaders(header http.Header) {
	for name := range header {
		if strings.HasPrefix(strings.ToLower(name), controlHeaderPrefix) {
			delete(header, name)
		}
	}
}
