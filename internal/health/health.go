package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StateExhausted    = "exhausted"
	StateDisabled     = "disabled"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// Transport is the realtime transport as seen by the probe.
type Transport interface {
	IsConnected() bool
	// Exhausted reports that reconnection was given up.
	Exhausted() bool
}

// Pinger is a database that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status is the probe result.
type Status struct {
	Status    string `json:"status"`
	Transport string `json:"transport"`
	Redis     string `json:"redis"`
	Database  string `json:"database"`
}

// Checker probes the service's dependencies. A nil dependency is reported as
// disabled, which is the case in single-process mode.
type Checker struct {
	transport   Transport
	redisClient *redis.Client
	db          Pinger
	timeout     time.Duration
}

// NewChecker creates a checker.
func NewChecker(transport Transport, redisClient *redis.Client, db Pinger) *Checker {
	return &Checker{
		transport:   transport,
		redisClient: redisClient,
		db:          db,
		timeout:     2 * time.Second,
	}
}

// Check probes every dependency. Only the database is essential: without
// push or the rate limiter the service still works, polling for updates.
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Transport: StateDisabled,
		Redis:     StateDisabled,
		Database:  StateDisabled,
	}

	if h.transport != nil {
		switch {
		case h.transport.IsConnected():
			status.Transport = StateConnected
		case h.transport.Exhausted():
			status.Transport = StateExhausted
		default:
			status.Transport = StateDisconnected
		}
	}

	if h.redisClient != nil {
		redisCtx, redisCancel := context.WithTimeout(ctx, h.timeout)
		defer redisCancel()
		status.Redis = probe(h.redisClient.Ping(redisCtx).Err())
	}

	if h.db != nil {
		dbCtx, dbCancel := context.WithTimeout(ctx, h.timeout)
		defer dbCancel()
		status.Database = probe(h.db.Ping(dbCtx))
	}

	switch {
	case status.Database == StateDisconnected:
		status.Status = StatusDown
	case status.Transport == StateDisconnected, status.Transport == StateExhausted, status.Redis == StateDisconnected:
		status.Status = StatusDegraded
	default:
		status.Status = StatusOK
	}
	return status
}

func probe(err error) string {
	if err != nil {
		return StateDisconnected
	}
	return StateConnected
}

// IsHealthy reports whether the service can serve requests.
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Status != StatusDown
}

// ServeHTTP reports the probe result as JSON.
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// ReadyHandler answers readiness probes.
func (h *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.IsHealthy(r.Context()) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not Ready"))
	}
}
