package qpeer

import (
	"time"

	"github.com/quicmesh/qpeer/retry"
)

// DefaultALPN is the fixed server-name/ALPN identifier shared by all
// endpoints of a deployment.
const DefaultALPN = "qpeer/1"

// Config holds everything needed to construct an Endpoint, including the
// ambient send-rate limiter field. The zero value is usable: every field
// has a sensible "unset" behavior.
type Config struct {
	// IdleTimeout is the duration after which a silent connection is
	// closed. Nil disables idle timeout entirely.
	IdleTimeout *time.Duration

	// KeepAliveInterval is the duration between keep-alive probes.
	KeepAliveInterval time.Duration

	// UpstreamNATPortMapping is forwarded to an external IGD/UPnP
	// collaborator; this library never acts on it directly.
	UpstreamNATPortMapping bool

	// RetryConfig governs the backoff applied to outbound sends. Nil
	// means no retry: a single attempt runs to completion.
	RetryConfig *retry.Policy

	// SendRateBytesPerSec caps aggregate stream throughput per connection:
	// writes and reads on the connection's streams draw from one shared
	// token bucket. Zero means unlimited.
	SendRateBytesPerSec int64

	// ALPN names the TLS ALPN / server-name identifier; empty means
	// DefaultALPN. NewEndpoint does not apply it: the ALPN in effect is the
	// one set in the TLS configs passed to NewEndpoint.
	ALPN string
}

func (c *Config) alpn() string {
	if c == nil || c.ALPN == "" {
		return DefaultALPN
	}
	return c.ALPN
}

func (c *Config) keepAlive() time.Duration {
	if c == nil || c.KeepAliveInterval <= 0 {
		return 10 * time.Second
	}
	return c.KeepAliveInterval
}

// disabledIdleTimeout stands in for "no idle timeout" when IdleTimeout is
// nil. quic-go's MaxIdleTimeout has no dedicated off switch; a duration
// this large is, in practice, never reached.
const disabledIdleTimeout = 365 * 24 * time.Hour

func (c *Config) idleTimeout() time.Duration {
	if c == nil || c.IdleTimeout == nil {
		return disabledIdleTimeout
	}
	return *c.IdleTimeout
}

func (c *Config) retryPolicy() *retry.Policy {
	if c == nil {
		return nil
	}
	return c.RetryConfig
}

func (c *Config) sendRate() int64 {
	if c == nil {
		return 0
	}
	return c.SendRateBytesPerSec
}
