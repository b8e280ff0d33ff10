// Package morango implements the peer-to-peer record synchronization
// engine: instance identity, the Store/RecordMaxCounter versioning model,
// the serialize/queue/dequeue/deserialize pipeline, and the transfer
// session state machine that drives it.
package morango

import (
	"errors"
	"fmt"
)

// ErrIdentityUnavailable means persistent instance identity could not be
// read or created. Fatal to any sync operation.
var ErrIdentityUnavailable = errors.New("morango: instance identity unavailable")

// ErrFilterRejected means the peer rejected the requested partition
// filter under its current certificates. Callers should surface this,
// not retry.
var ErrFilterRejected = errors.New("morango: filter rejected by peer")

// ErrSessionExpired means a sync session's certificate or activity
// timeout lapsed. Callers must re-authenticate.
var ErrSessionExpired = errors.New("morango: sync session expired")

// ErrMergeInvariantViolated means the post-dequeue self-check failed:
// Buffer/RMCB rows remain for the transfer session after every buffered
// row was merged. The self-check does not inspect Store rows for
// RecordMaxCounter coverage or hard-delete payload erasure. The dequeue
// transaction is rolled back when this is returned.
var ErrMergeInvariantViolated = errors.New("morango: merge invariant violated")

// TransportError wraps a transport-layer failure with whether it is
// safe to retry at chunk granularity.
type TransportError struct {
	Transient bool
	Err       error
}

func (e *TransportError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("morango: %s transport error: %v", kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DeserializationError is a per-row failure during Deserialize. It is
// never fatal to the overall batch: the offending store id is added to
// an excluded set and its dirty bit is left set.
type DeserializationError struct {
	StoreID string
	Err     error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("morango: deserialize store row %s: %v", e.StoreID, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }
