// Package config holds the tunables the original source scatters across
// preprocessor constants, gathered here into one struct with
// environment-overridable defaults, in the shape of the teacher's envknob
// package.
package config

import "time"

// Config bundles every tunable a DataModel and its subsystems need. The
// zero value is not meaningful; use Default().
type Config struct {
	// FlowDelWait is the post-deallocation grace period granted to an
	// ALLOCATED flow whose CWQ/RTXQ are non-empty (spec.md §4.3).
	FlowDelWait time.Duration

	// UnboundFlowTimeout reclaims a flow that was created PENDING but
	// never bound to an upper (I/O device or IPCP) within this window.
	UnboundFlowTimeout time.Duration

	// UipcpWaitTimeout bounds a uipcp_wait handler call: how long a
	// control device blocks waiting for a user-space IPCP to attach to
	// an IPCP before giving up with an Interrupted error (spec.md §5
	// "Suspension points").
	UipcpWaitTimeout time.Duration

	// UpqueueByteBudget bounds the serialized size of a control device's
	// upqueue (spec.md §4.4).
	UpqueueByteBudget int

	// UpqueueAppendTimeout is how long a blocking append() waits for
	// space before dropping with NoSpace.
	UpqueueAppendTimeout time.Duration

	// StagingBufferSize is the per-device write() staging buffer size.
	StagingBufferSize int

	// MaxMessageSize is the largest single serialized message accepted
	// on the control device wire.
	MaxMessageSize int

	// MaxCWQLen and MaxRTXQLen bound the DTP closed-window and
	// retransmission queues per flow.
	MaxCWQLen  int
	MaxRTXQLen int

	// MPL, R, A are the three DTP timer base parameters (max PDU
	// lifetime, max time to retransmit, max time to ack) used to derive
	// the inactivity timer durations in spec.md §4.6.
	MPL time.Duration
	R   time.Duration
	A   time.Duration

	// MaxIPCPs, MaxPorts, MaxCEPs size the three id bitmaps.
	MaxIPCPs int
	MaxPorts int
	MaxCEPs  int
}

// Default returns the out-of-the-box configuration, matching the
// original source's constants (flow_del_wait_ms=4000 etc.), then applies
// any environment overrides.
func Default() Config {
	c := Config{
		FlowDelWait:          4 * time.Second,
		UnboundFlowTimeout:   3 * time.Second,
		UipcpWaitTimeout:     30 * time.Second,
		UpqueueByteBudget:    16 * 1024,
		UpqueueAppendTimeout: 5 * time.Millisecond,
		StagingBufferSize:    1024,
		MaxMessageSize:       1 << 16,
		MaxCWQLen:            64,
		MaxRTXQLen:           256,
		MPL:                  60 * time.Second,
		R:                    2 * time.Second,
		A:                    2 * time.Second,
		MaxIPCPs:             256,
		MaxPorts:             65536,
		MaxCEPs:              65536,
	}
	applyEnvOverrides(&c)
	return c
}

// SenderInactivityTimeout is 3*(MPL+R+A), per spec.md §4.6.
func (c Config) SenderInactivityTimeout() time.Duration {
	return 3 * (c.MPL + c.R + c.A)
}

// ReceiverInactivityTimeout is (2/3)*2*(MPL+R+A), per spec.md §4.6.
func (c Config) ReceiverInactivityTimeout() time.Duration {
	return (2 * 2 * (c.MPL + c.R + c.A)) / 3
}
