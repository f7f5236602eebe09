package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Checker represents dependencies that can be probed for readiness. The
// gateway is stateless; Redis and the CRM are its only load-bearing
// dependencies.
type Checker interface {
	PingRedis(ctx context.Context, timeout time.Duration) error
	PingBilling(ctx context.Context, timeout time.Duration) error
}

var ready atomic.Bool

func init() {
	ready.Store(true)
}

// SetReady flips the readiness gate. Shutdown flips it off so load
// balancers drain the instance before connections close.
func SetReady(v bool) {
	ready.Store(v)
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checker        Checker
	RedisTimeout   time.Duration
	BillingTimeout time.Duration
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on dependency probes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() || h.Checker == nil {
		http.Error(w, "dependencies unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	redisStatus := "ok"
	if err := h.Checker.PingRedis(ctx, h.redisTimeout()); err != nil {
		redisStatus = err.Error()
	}
	billingStatus := "ok"
	if err := h.Checker.PingBilling(ctx, h.billingTimeout()); err != nil {
		billingStatus = err.Error()
	}
	status := map[string]string{
		"redis":   redisStatus,
		"billing": billingStatus,
	}
	w.Header().Set("Content-Type", "application/json")
	if redisStatus != "ok" || billingStatus != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (h Handler) redisTimeout() time.Duration {
	if h.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.RedisTimeout
}

func (h Handler) billingTimeout() time.Duration {
	if h.BillingTimeout <= 0 {
		return 500 * time.Millisecond
	}
	return h.BillingTimeout
}
