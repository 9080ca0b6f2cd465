package lattice

import "errors"

// Common sentinel errors for the lattice package.
var (
	// ErrClosed is returned when operations are attempted on a closed node.
	ErrClosed = errors.New("node is closed")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrPeerUnreachable is returned when a peer cannot be contacted within
	// the transport timeout. It aborts the current round for that peer only.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrDurability is returned when a local write cannot be guaranteed to
	// survive a crash. The node halts synchronization until restored from a
	// healthy snapshot.
	ErrDurability = errors.New("local durability failure")

	// ErrHalted is returned when the node has latched a durability failure
	// and requires a full resync before accepting further mutations.
	ErrHalted = errors.New("node halted pending full resync")

	// ErrQueueCorrupt is returned when the offline queue file cannot be
	// replayed.
	ErrQueueCorrupt = errors.New("offline queue corrupt")

	// ErrRoundInProgress is returned when a sync round is already running
	// for the requested peer.
	ErrRoundInProgress = errors.New("sync round already in progress")

	// ErrUnknownPeer is returned for operations naming a peer that is not
	// configured.
	ErrUnknownPeer = errors.New("unknown peer")
)
