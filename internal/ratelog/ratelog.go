// Package ratelog provides a rate-limited logging helper for error paths
// that can be triggered repeatedly by a misbehaving or adversarial guest
// (the unsupported-descriptor path, USB/IP reconnect failures).
package ratelog

import (
	"log"

	"golang.org/x/time/rate"
)

// Logger wraps a component-prefixed log.Printf behind a token bucket so a
// guest that spins on a bad descriptor cannot flood the host log.
type Logger struct {
	prefix  string
	limiter *rate.Limiter
}

// New returns a Logger whose limiter admits messages at the rate every,
// with up to burst messages permitted at once.
func New(prefix string, every rate.Limit, burst int) *Logger {
	return &Logger{
		prefix:  prefix,
		limiter: rate.NewLimiter(every, burst),
	}
}

// Printf logs format/args if the rate limiter currently admits it.
func (l *Logger) Printf(format string, args ...interface{}) {
	if !l.limiter.Allow() {
		return
	}
	log.Printf(l.prefix+format, args...)
}
