// Package constants holds tunable defaults shared across the rdmafetch
// client variants.
package constants

import "time"

// Bootstrap wire protocol.
const (
	// HandshakePort is the TCP port the remote server listens on for the
	// per-QP bootstrap handshake (endpoint exchange + remote slice catalog).
	HandshakePort = 18515

	// DefaultQPCount is the number of Queue Pairs opened against the
	// remote, all sharing one Completion Queue.
	DefaultQPCount = 3

	// DefaultCQCapacity is the number of work-completion entries the
	// shared Completion Queue is sized for.
	DefaultCQCapacity = 1024
)

// Default variant configuration.
const (
	// DefaultMRSize is the size, in bytes, of each pre-allocated MR in the
	// Ideal/Copy pools.
	DefaultMRSize = 256 * 1024

	// DefaultMRCount is the number of pre-allocated MRs in the Ideal/Copy
	// pools.
	DefaultMRCount = 16

	// DefaultChunkSize is the Pipeline variant's on-the-fly registration
	// granularity.
	DefaultChunkSize = 1 << 20

	// DefaultConcurrencyReg is the number of dedicated registration
	// worker goroutines in non-blocking/async Naive and Pipeline clients.
	DefaultConcurrencyReg = 8

	// DefaultConcurrencyDereg is the number of dedicated deregistration
	// worker goroutines in non-blocking/async Naive and Pipeline clients.
	DefaultConcurrencyDereg = 2

	// DefaultConcurrencyCopy is the number of dedicated memcpy-and-recycle
	// worker goroutines in non-blocking/async Copy clients.
	DefaultConcurrencyCopy = 4
)

// NumaNode is a suggested CPU for pinning the Poller. No default config
// uses it: the Poller stays unpinned (runtime.NoCPUPin) unless the caller
// sets a CPU. It is a performance knob, not a correctness requirement.
const NumaNode = 1

// Retry/backoff tuning for the TCP bootstrap dial.
const (
	DialMaxAttempts = 4
	DialInitialWait = 20 * time.Millisecond
	DialMaxWait     = 500 * time.Millisecond
)

// CQPollBatch is the number of work completions polled per CQ.Poll call.
const CQPollBatch = 16
