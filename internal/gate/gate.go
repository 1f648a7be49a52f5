// Package gate tracks the last accepted instant for dedupe and suppression
// keys and serializes decisions that touch the same key.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ezwatch/internal/model"
)

var ErrUnavailable = errors.New("gate store unavailable")

// ErrLeaseLost means the holder no longer owned its key when it tried to
// commit. It is a kind of ErrUnavailable.
var ErrLeaseLost = fmt.Errorf("%w: lease lost", ErrUnavailable)

// Store is the persistence contract behind the time-window gates.
//
// Acquire blocks until the caller holds the key exclusively (or ctx ends).
// All reads and the commit for a decision happen under the returned Lease, so
// two callers on the same key can never both observe an open gate.
// Store.Commit writes without ownership checks.
type Store interface {
	Acquire(ctx context.Context, key string) (Lease, error)
	Last(ctx context.Context, key string) (time.Time, bool, error)
	Commit(ctx context.Context, at time.Time, keys ...string) error
	Close() error
}

// Lease is exclusive ownership of one serialization key.
type Lease interface {
	// Commit writes at to every key in one atomic step, or fails with
	// ErrLeaseLost if ownership lapsed first.
	Commit(ctx context.Context, at time.Time, keys ...string) error
	Release()
}

// CommitFunc writes at to every key in one atomic step.
type CommitFunc func(ctx context.Context, at time.Time, keys ...string) error

// HeldLease wraps a lock that cannot lapse before release, such as an
// in-process mutex.
func HeldLease(commit CommitFunc, release func()) Lease {
	return heldLease{commit: commit, release: release}
}

type heldLease struct {
	commit  CommitFunc
	release func()
}

func (l heldLease) Commit(ctx context.Context, at time.Time, keys ...string) error {
	return l.commit(ctx, at, keys...)
}

func (l heldLease) Release() { l.release() }

// Passes reports whether a gate with the given window lets an event through.
// A non-positive window never blocks and a key with no record always passes.
func Passes(last time.Time, found bool, now time.Time, window time.Duration) bool {
	if window <= 0 || !found {
		return true
	}
	return now.Sub(last) >= window
}

func DedupeKey(zoneID, cameraID string, eventType model.EventType) string {
	return "dedupe:" + zoneID + ":" + cameraID + ":" + string(eventType)
}

// SuppressionKey is also the serialization key of a camera: every dedupe key
// of the camera is covered by it.
func SuppressionKey(zoneID, cameraID string) string {
	return "suppress:" + zoneID + ":" + cameraID
}
