package northtracker

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// RateLimit mirrors the X-RateLimit-* response headers.
type RateLimit struct {
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// UsagePercent is the share of the window already spent.
func (r RateLimit) UsagePercent() float64 {
	if r.Limit <= 0 {
		return 0
	}
	return float64(r.Limit-r.Remaining) / float64(r.Limit) * 100
}

type rateLimitState struct {
	mu      sync.Mutex
	current RateLimit
}

func (s *rateLimitState) snapshot() RateLimit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// update keeps the previous value for any header that is missing or invalid.
func (s *rateLimitState) update(header http.Header, logger *slog.Logger) {
	s.mu.Lock()
	prev := s.current
	next := prev
	if v, ok := headerInt(header, "X-RateLimit-Limit"); ok {
		next.Limit = v
	}
	if v, ok := headerInt(header, "X-RateLimit-Remaining"); ok {
		next.Remaining = v
	}
	s.current = next
	s.mu.Unlock()

	if next == prev {
		return
	}
	logger.Debug("rate limit updated", "remaining", next.Remaining, "limit", next.Limit, "previous_remaining", prev.Remaining)
	if usage := next.UsagePercent(); usage > 80 {
		logger.Warn("rate limit usage high",
			"usage_percent", usage,
			"used", next.Limit-next.Remaining,
			"limit", next.Limit,
		)
	}
}

func headerInt(header http.Header, key string) (int, bool) {
	raw := strings.TrimSpace(header.Get(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
