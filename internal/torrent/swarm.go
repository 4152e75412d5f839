package torrent

import "errors"

// ErrTransferClosed is reported by a transfer that was torn down before it
// completed.
var ErrTransferClosed = errors.New("transfer closed before completion")

// Stats is a snapshot of a running transfer.
type Stats struct {
	BytesCompleted int64
	Length         int64 // zero until metadata is known
	Peers          int
}

// Transfer is one torrent being fetched from the swarm.
type Transfer interface {
	// Metadata is closed once the torrent's info dictionary is known.
	Metadata() <-chan struct{}
	// Done is closed when the transfer finishes, successfully or not.
	Done() <-chan struct{}
	// Err reports why Done was closed; nil means every byte was fetched.
	Err() error
	Stats() Stats
	// Destroy stops the transfer and releases its resources. Safe to call
	// more than once.
	Destroy()
}

// Swarm starts transfers by info hash.
type Swarm interface {
	Add(hash string, trackers []string) (Transfer, error)
	Close() error
}
