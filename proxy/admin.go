package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// adminRateLimit/adminRateBurst bound how often a single remote IP may hit
// the admin surface. Grounded on the teacher's hand-rolled per-IP
// rateLimiter (server.go), here built on golang.org/x/time/rate instead —
// the teacher lists it only as an indirect dependency of an unrelated
// transitive chain, so promoting it to direct use here gives it a genuine
// home rather than a hand-rolled mutex/map reimplementation of the same idea.
const (
	adminRateLimit = rate.Limit(2) // sustained requests/sec per IP
	adminRateBurst = 5
)

// AdminServer exposes /healthz, /metrics, and /status for operators and
// monitoring systems, without exposing any HTTP awareness of the proxied
// traffic itself (spec.md's Non-goal). Grounded on the teacher's server.go
// admin routes and admin_auth.go, narrowed to this package's three endpoints.
type AdminServer struct {
	addr    string
	auth    AdminAuthConfig
	manager *LifecycleManager

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewAdminServer builds an admin server reporting on manager's state.
func NewAdminServer(addr string, auth AdminAuthConfig, manager *LifecycleManager) *AdminServer {
	return &AdminServer{
		addr:     addr,
		auth:     auth,
		manager:  manager,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Run starts the admin HTTP server and blocks until ctx is cancelled.
func (a *AdminServer) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/healthz", a.rateLimited(http.HandlerFunc(a.handleHealthz)))
	mux.Handle("/metrics", a.rateLimited(a.authenticated(promhttp.Handler())))
	mux.Handle("/status", a.rateLimited(a.authenticated(http.HandlerFunc(a.handleStatus))))

	srv := &http.Server{Addr: a.addr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleHealthz reports liveness only: the process is up and serving. It
// intentionally ignores group state, unlike /status, so external liveness
// probes never fail just because the group is idle.
func (a *AdminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleStatus reports the lifecycle manager's current snapshot as JSON.
func (a *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := a.manager.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		State          string `json:"state"`
		PollPeriodMS   int64  `json:"poll_period_ms"`
		PokeAgeSeconds int64  `json:"poke_age_seconds"`
		PendingRestart bool   `json:"pending_restart"`
		PendingWaiters int    `json:"pending_waiters"`
	}{
		State:          snap.State.String(),
		PollPeriodMS:   snap.PollPeriod.Milliseconds(),
		PokeAgeSeconds: int64(snap.PokeAge.Seconds()),
		PendingRestart: snap.PendingRestart,
		PendingWaiters: snap.PendingCount,
	})
}

// authenticated enforces the configured auth scheme, adapted from the
// teacher's adminAuthMiddleware (admin_auth.go) down to this package's
// two auth methods.
func (a *AdminServer) authenticated(next http.Handler) http.Handler {
	switch a.auth.Method {
	case "", "none":
		return next
	case "basic":
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !checkBasicAuth(r, a.auth.Username, a.auth.Password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="proxytainer admin"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				slog.Warn("admin auth failed", "method", "basic", "remote", r.RemoteAddr, "path", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	case "bearer":
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !checkBearerToken(r, a.auth.Token) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				slog.Warn("admin auth failed", "method", "bearer", "remote", r.RemoteAddr, "path", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	default:
		return next
	}
}

// checkBasicAuth compares credentials in constant time.
func checkBasicAuth(r *http.Request, wantUser, wantPass string) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(auth[len("Basic "):])
	if err != nil {
		return false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(parts[0]), []byte(wantUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(parts[1]), []byte(wantPass)) == 1
	return userOK && passOK
}

// checkBearerToken compares the bearer token in constant time.
func checkBearerToken(r *http.Request, wantToken string) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	got := auth[len("Bearer "):]
	return subtle.ConstantTimeCompare([]byte(got), []byte(wantToken)) == 1
}

// rateLimited enforces a per-IP token bucket ahead of auth, so a flood of
// unauthenticated requests can't spend CPU on credential checks.
func (a *AdminServer) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !a.limiterFor(ip).Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *AdminServer) limiterFor(ip string) *rate.Limiter {
	a.limiterMu.Lock()
	defer a.limiterMu.Unlock()
	l, ok := a.limiters[ip]
	if !ok {
		l = rate.NewLimiter(adminRateLimit, adminRateBurst)
		a.limiters[ip] = l
	}
	return l
}

// clientIP strips the port from RemoteAddr, falling back to the raw value.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
