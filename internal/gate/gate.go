// Package gate refuses obvious port-scan and abuse patterns before a
// connection reaches the session layer.
package gate

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rayneo/liveai-proxy/internal/logger"
	"github.com/rayneo/liveai-proxy/internal/metrics"
)

const (
	// scanThreshold is the number of attempts in the retained window above
	// which an IP is considered to be scanning.
	scanThreshold = 10

	// retainWindow is how long connection attempts are remembered.
	retainWindow = 5 * time.Minute

	// banDuration is how long a scanning IP stays banned.
	banDuration = 1800 * time.Second
)

// Gate tracks per-IP connection attempts in a sliding window and bans IPs
// that exceed the scan threshold. Safe for concurrent use.
type Gate struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	banned   map[string]time.Time

	// now is replaceable in tests.
	now func() time.Time

	logger *logger.Logger
}

// New creates a Gate.
func New(log *logger.Logger) *Gate {
	return &Gate{
		attempts: make(map[string][]time.Time),
		banned:   make(map[string]time.Time),
		now:      time.Now,
		logger:   log.WithComponent("gate"),
	}
}

// Admit records a connection attempt from ip and reports whether it should
// be accepted. A banned IP is refused until its ban expires. Recording more
// than scanThreshold attempts within the retained window trips a ban.
func (g *Gate) Admit(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if until, ok := g.banned[ip]; ok {
		if now.Before(until) {
			metrics.BannedConnections.Inc()
			return false
		}
		delete(g.banned, ip)
	}

	window := append(g.attempts[ip], now)

	// Evict attempts that fell out of the retained window.
	cutoff := now.Add(-retainWindow)
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.attempts[ip] = kept

	if len(kept) > scanThreshold {
		g.banned[ip] = now.Add(banDuration)
		g.logger.Warn("IP banned for scanning",
			slog.String("ip", ip),
			slog.Int("attempts", len(kept)),
			slog.Duration("ban_duration", banDuration))
		metrics.BannedConnections.Inc()
		return false
	}

	return true
}

// BannedUntil returns the ban expiry for ip, if any.
func (g *Gate) BannedUntil(ip string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.banned[ip]
	return until, ok
}

// requiredUpgradeHeaders are the headers a well-formed WebSocket upgrade
// request must carry.
var requiredUpgradeHeaders = []string{"Host", "Upgrade", "Connection", "Sec-WebSocket-Key"}

// ValidateUpgradeHeaders checks that the request carries the headers required
// for a WebSocket upgrade. The Host header lives on the request itself, not
// in the header map.
func ValidateUpgradeHeaders(r *http.Request) error {
	for _, h := range requiredUpgradeHeaders {
		if h == "Host" {
			if r.Host == "" {
				return fmt.Errorf("missing required header %s", h)
			}
			continue
		}
		if r.Header.Get(h) == "" {
			return fmt.Errorf("missing required header %s", h)
		}
	}
	return nil
}
