package ftp

import (
	"log/slog"
	"net"
	"time"

	"github.com/corebyte/ftpsession/internal/ratelimit"
)

// Option is a functional option for configuring a Session, in the same
// shape the teacher package uses for its Client.
type Option func(*Session) error

// WithUser sets the credentials used by the implicit auth chain. The
// default is anonymous / "@anonymous".
func WithUser(user, pass string) Option {
	return func(s *Session) error {
		s.user = user
		s.pass = pass
		return nil
	}
}

// WithUseList forces Ls to always use LIST instead of probing STAT
// first.
func WithUseList() Option {
	return func(s *Session) error {
		s.forceUseList = true
		return nil
	}
}

// WithTimeout sets both the control-connection read/write timeout and
// the default passive-socket idle timeout (default 600000ms).
func WithTimeout(d time.Duration) Option {
	return func(s *Session) error {
		s.timeout = d
		return nil
	}
}

// WithIdleTimeout sets the passive-socket idle timeout independently of
// the control-connection timeout. If unset, WithTimeout's value (or the
// 10-minute default) applies to the data connection too.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) error {
		s.idleTimeout = d
		return nil
	}
}

// WithLogger enables debug logging of commands, replies, and lifecycle
// events, exactly as the teacher's WithLogger does for its Client.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) error {
		s.logger = logger
		return nil
	}
}

// WithDialer sets a custom net.Dialer for the control connection.
func WithDialer(dialer *net.Dialer) Option {
	return func(s *Session) error {
		s.dialer = dialer
		return nil
	}
}

// WithKeepAlive sets the NOOP cadence used while the Session is
// otherwise idle. The default is 30 seconds, matching the teacher's
// keep-alive loop.
func WithKeepAlive(interval time.Duration) Option {
	return func(s *Session) error {
		s.keepAliveInterval = interval
		return nil
	}
}

// WithBandwidthLimit caps Get/Put throughput to bytesPerSecond using a
// token-bucket limiter, wired from the teacher's internal/ratelimit
// package.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(s *Session) error {
		s.limiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}
