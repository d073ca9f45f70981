// Package api serves a read-only HTTP view of the station.
//
// Routes:
//
//	GET /v1/healthz   liveness
//	GET /v1/status    station status snapshot
//	GET /v1/traffic   counters; streamed over a websocket when upgraded
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
	"github.com/kabili207/wifistation/device/station"
)

const (
	// APIVersion prefixes every route.
	APIVersion = "v1"
	// DefaultAddress is the default listen address.
	DefaultAddress = "127.0.0.1:8787"
)

// StatusSource provides the station state served by the API.
type StatusSource interface {
	Status() station.Status
}

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	// Addr is the listen address. Default: 127.0.0.1:8787.
	Addr string
	// Token, if set, is required as a bearer token on every request.
	Token string
	// TrafficInterval is the websocket push interval. Default: 1s.
	TrafficInterval time.Duration
	// ReadHeaderTimeout bounds request header reads. Default: 2s.
	ReadHeaderTimeout time.Duration
	// ShutdownTimeout bounds graceful shutdown. Default: 5s.
	ShutdownTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Server hosts the status API.
type Server struct {
	opts   ServerOptions
	src    StatusSource
	log    *slog.Logger
	http   *http.Server
	router chi.Router

	upgrader websocket.Upgrader
	ln       net.Listener
}

// NewServer constructs a server reading from src. It does not listen until
// Start is called.
func NewServer(src StatusSource, opts ServerOptions) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddress
	}
	if opts.TrafficInterval <= 0 {
		opts.TrafficInterval = time.Second
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 2 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		opts: opts,
		src:  src,
		log:  opts.Logger.WithGroup("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler)
	r.Use(s.authenticate)

	r.Route("/"+APIVersion, func(r chi.Router) {
		r.Get("/healthz", s.handleHealthz)
		r.Get("/status", s.handleStatus)
		r.Get("/traffic", s.handleTraffic)
	})
	s.router = r

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		s.log.Info("listening", "addr", ln.Addr().String())
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop gracefully shuts down the server, waiting up to ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if websocket.IsWebSocketUpgrade(r) && token == "" {
			// Browsers cannot set headers on websocket requests.
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Token)) != 1 {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, render.M{"message": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, render.M{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.src.Status())
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		render.JSON(w, r, s.src.Status().Counters)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Reads detect the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	tick := time.NewTicker(s.opts.TrafficInterval)
	defer tick.Stop()

	for {
		if err := conn.WriteJSON(s.src.Status().Counters); err != nil {
			return
		}
		select {
		case <-tick.C:
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
