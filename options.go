// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lpmsgsrv

import (
	"time"

	"go.uber.org/zap"
)

// Options configures a Bootstrap call. The zero value is never used
// directly; defaultOptions seeds every field before Option funcs run, the
// same pattern the framing layer this server is built on uses for its own
// Options.
type Options struct {
	Logger *zap.Logger

	// IngressBufferSize is the per-worker ingress shard buffer depth.
	IngressBufferSize int

	// EgressBufferSize is the shared egress queue buffer depth.
	EgressBufferSize int

	// PollTimeout bounds how long the reactor's epoll_wait may block. It is
	// a safety net, not the primary wakeup mechanism — egress sends and
	// Shutdown both wake the poller immediately via an eventfd.
	PollTimeout time.Duration

	// ReadLimit caps the payload length a connection will accept, declared
	// by the 8-byte length prefix (spec §4.1). A frame declaring more than
	// ReadLimit bytes is treated as a framing error and the connection is
	// dropped before anything is allocated for it. Zero means unbounded.
	ReadLimit int64
}

var defaultOptions = Options{
	Logger:            zap.NewNop(),
	IngressBufferSize: 128,
	EgressBufferSize:  256,
	PollTimeout:       5 * time.Second,
	ReadLimit:         0,
}

// Option mutates Options during Bootstrap.
type Option func(*Options)

// WithLogger sets the *zap.Logger used for all warn-level diagnostics
// (spec §7: "all other errors are logged at warn level and otherwise
// swallowed"). Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

// WithIngressBufferSize sets the per-worker ingress channel capacity.
func WithIngressBufferSize(n int) Option {
	return func(o *Options) { o.IngressBufferSize = n }
}

// WithEgressBufferSize sets the shared egress channel capacity.
func WithEgressBufferSize(n int) Option {
	return func(o *Options) { o.EgressBufferSize = n }
}

// WithPollTimeout sets the reactor's maximum epoll_wait block duration.
func WithPollTimeout(d time.Duration) Option {
	return func(o *Options) { o.PollTimeout = d }
}

// WithReadLimit bounds the payload length a connection will accept. A peer
// that declares a longer frame has its connection dropped before the
// payload is read. The default, 0, is unbounded.
func WithReadLimit(n int64) Option {
	return func(o *Options) { o.ReadLimit = n }
}
