package crawl

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// retryKeywords mark transient failures worth another attempt.
var retryKeywords = []string{
	"timeout",
	"connection",
	"network",
	"refused",
	"reset",
	"broken pipe",
	"temporary failure",
	"502",
	"503",
	"504",
	"rate limit",
	"too many requests",
}

// giveUpKeywords mark permanent failures where retrying is pointless.
var giveUpKeywords = []string{
	"400",
	"401",
	"403",
	"404",
	"file not found",
	"invalid url",
	"malformed url",
}

// ShouldGiveUp reports whether err is permanent and must not be retried.
// Give-up wins over retry when both match.
func ShouldGiveUp(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range giveUpKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// ShouldRetry reports whether err looks transient.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if ShouldGiveUp(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range retryKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// Backoff retries an operation with exponential waits: factor * base^attempt,
// capped at MaxSleep, for at most MaxTries attempts total.
type Backoff struct {
	MaxTries int
	Base     float64
	Factor   time.Duration
	MaxSleep time.Duration

	// Sleep overrides the inter-try pause. Nil means a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultBackoff is the fixed extractor-path retry policy.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxTries: 4,
		Base:     2,
		Factor:   2 * time.Second,
		MaxSleep: 30 * time.Second,
	}
}

// wait returns the sleep before attempt n (0-based: wait(0) precedes try 2).
func (b Backoff) wait(n int) time.Duration {
	d := b.Factor
	for i := 0; i < n; i++ {
		d *= time.Duration(b.Base)
		if d >= b.MaxSleep {
			return b.MaxSleep
		}
	}
	if d > b.MaxSleep {
		return b.MaxSleep
	}
	return d
}

// Do runs op until it succeeds, fails permanently, or the try budget is
// spent. The last error is returned.
func (b Backoff) Do(ctx context.Context, op func() error) error {
	sleep := b.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	var err error
	for try := 0; try < b.MaxTries; try++ {
		err = op()
		if err == nil {
			return nil
		}
		if ShouldGiveUp(err) {
			slog.Debug("giving up, permanent failure", "error", err, "try", try+1)
			return err
		}
		if try == b.MaxTries-1 {
			break
		}
		wait := b.wait(try)
		slog.Warn("retrying after failure", "error", err, "try", try+1, "max_tries", b.MaxTries, "wait", wait)
		if serr := sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	slog.Warn("retry budget exhausted", "error", err, "tries", b.MaxTries)
	return err
}
