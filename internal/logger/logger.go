// Package logger defines a lightweight function type for writing to logs,
// so that subsystems can be handed a logging callback instead of a
// concrete logging framework.
package logger

import (
	"io"
	"log"
	"sync"

	"golang.org/x/time/rate"
)

// Logf is the basic logger type used throughout the core: a printf-like
// func. Like log.Printf, the format need not end in a newline. Logf
// functions must be safe for concurrent use.
type Logf func(format string, args ...any)

// WithPrefix wraps f, prefixing each format with the given prefix.
func WithPrefix(f Logf, prefix string) Logf {
	return func(format string, args ...any) {
		f(prefix+format, args...)
	}
}

// Discard is a Logf that throws everything away.
func Discard(string, ...any) {}

// FuncWriter returns an io.Writer that writes to f.
func FuncWriter(f Logf) io.Writer {
	return funcWriter{f}
}

type funcWriter struct{ f Logf }

func (w funcWriter) Write(p []byte) (int, error) {
	w.f("%s", p)
	return len(p), nil
}

// StdLogger returns a standard library logger from a Logf.
func StdLogger(f Logf) *log.Logger {
	return log.New(FuncWriter(f), "", 0)
}

// rateFree wraps f with a token-bucket rate limiter shared by all calls
// through the returned Logf, so that a hot path (e.g. a per-PDU drop
// reason) can't flood the log.
type rateFree struct {
	mu  sync.Mutex
	lim *rate.Limiter
	f   Logf
}

// RateLimited returns a Logf that forwards to f at most burst times
// immediately, then at most once per interval seconds thereafter,
// silently dropping the rest.
func RateLimited(f Logf, interval float64, burst int) Logf {
	rf := &rateFree{lim: rate.NewLimiter(rate.Limit(1/interval), burst), f: f}
	return rf.logf
}

func (rf *rateFree) logf(format string, args ...any) {
	rf.mu.Lock()
	ok := rf.lim.Allow()
	rf.mu.Unlock()
	if ok {
		rf.f(format, args...)
	}
}
