package process

import (
	"log/slog"

	"golang.org/x/time/rate"
)

const (
	defaultForwardRate  rate.Limit = 50
	defaultForwardBurst            = 100
)

// forwarder relays captured output lines to the supervisor log. Lines over
// the rate limit are dropped and counted; the count is reported with the next
// line that gets through.
type forwarder struct {
	logger     *slog.Logger
	limiter    *rate.Limiter
	suppressed int
}

func newForwarder(logger *slog.Logger, limit rate.Limit, burst int) *forwarder {
	if limit <= 0 {
		limit = defaultForwardRate
	}
	if burst <= 0 {
		burst = defaultForwardBurst
	}
	return &forwarder{
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// line is called from the ring's tee, which serialises calls.
func (f *forwarder) line(s string) {
	if !f.limiter.Allow() {
		f.suppressed++
		return
	}
	if f.suppressed > 0 {
		f.logger.Warn("output lines suppressed", "count", f.suppressed)
		f.suppressed = 0
	}
	f.logger.Info(s, "stream", "output")
}
