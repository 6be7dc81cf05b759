package signaling

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/carebridge/signaling-relay/internal/config"
	"github.com/carebridge/signaling-relay/internal/metrics"
	"github.com/carebridge/signaling-relay/internal/origin"
	"github.com/carebridge/signaling-relay/internal/ratelimit"
)

// Server upgrades HTTP requests to signaling WebSocket connections and hands
// them to the hub.
type Server struct {
	log     *slog.Logger
	cfg     config.Config
	hub     *Hub
	metrics *metrics.Metrics

	upgrader websocket.Upgrader
	limiters *ipLimiters
}

func NewServer(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		log:      logger,
		cfg:      cfg,
		hub:      NewHub(logger, m),
		metrics:  m,
		limiters: newIPLimiters(rate.Limit(cfg.UpgradesPerIPPerSecond), int(cfg.UpgradesPerIPPerSecond)*2),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Hub exposes the hub for the health endpoint's stats and for tests.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

// Close tears down every live signaling connection and stops the per-IP
// limiter janitor.
func (s *Server) Close() {
	s.hub.CloseAll()
	s.limiters.stop()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		// Non-browser clients (native apps, health checks) send no Origin.
		return true
	}
	normalized, ok := origin.Normalize(header)
	return ok && origin.Allowed(normalized, r.Host, s.cfg.AllowedOrigins)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiters.allow(ip) {
		s.metrics.Inc(metrics.UpgradeRejected)
		s.log.Warn("upgrade rate limited", "remote_ip", ip)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.metrics.Inc(metrics.UpgradeRejected)
		s.log.Warn("websocket upgrade failed", "remote_ip", ip, "error", err)
		return
	}

	var limiter *ratelimit.TokenBucket
	if s.cfg.MaxMessagesPerSecond > 0 {
		perSec := int64(s.cfg.MaxMessagesPerSecond)
		limiter = ratelimit.NewTokenBucket(ratelimit.RealClock{}, perSec*2, perSec)
	}

	client := newClient(s.hub, conn, s.log, limiter, s.cfg.WSIdleTimeout, s.cfg.WSPingInterval, s.cfg.MaxMessageBytes)
	s.hub.Register(client)

	go client.writePump()
	go client.readPump()
}

// clientIP prefers the first X-Forwarded-For hop so per-IP limits survive a
// reverse proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiters tracks one token-bucket limiter per client IP and evicts entries
// that have been quiet for a few minutes.
type ipLimiters struct {
	mu    sync.Mutex
	m     map[string]*ipLimiter
	limit rate.Limit
	burst int

	done     chan struct{}
	stopOnce sync.Once
}

func newIPLimiters(limit rate.Limit, burst int) *ipLimiters {
	if burst < 1 {
		burst = 1
	}
	l := &ipLimiters{
		m:     make(map[string]*ipLimiter),
		limit: limit,
		burst: burst,
		done:  make(chan struct{}),
	}
	go l.janitor()
	return l
}

func (l *ipLimiters) allow(ip string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	entry, ok := l.m[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.m[ip] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

func (l *ipLimiters) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-3 * time.Minute)
			l.mu.Lock()
			for ip, entry := range l.m {
				if entry.lastSeen.Before(cutoff) {
					delete(l.m, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *ipLimiters) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}
