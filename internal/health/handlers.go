package health

import (
	"context"
	"net/http"
	"time"

	"github.com/keithlinneman/topupstore/internal/xerrors"
)

// HealthzHandler answers liveness: 200 "ok", or 503 with the probe error
func HealthzHandler(p Probe) http.HandlerFunc { return probeHandler(p, "ok\n") }

// ReadyzHandler answers readiness: 200 "ready", or 503 with the probe error
func ReadyzHandler(p Probe) http.HandlerFunc { return probeHandler(p, "ready\n") }

func probeHandler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody))
	}
}

// Pinger has a cheap round trip, the order database and redis both do
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe fails when p does not answer within timeout (500ms when unset).
// name leads the error so a 503 body says which dependency is down.
func PingProbe(name string, p Pinger, timeout time.Duration) CheckFunc {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return xerrors.Wrapf(err, "%s: ping failed", name)
		}
		return nil
	}
}
