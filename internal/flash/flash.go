package flash

import "errors"

// Errors reported by a Flasher. Implementations wrap them with context; use
// errors.Is to classify.
var (
	ErrNoMem             = errors.New("out of memory")
	ErrInvalidArg        = errors.New("invalid argument")
	ErrValidateFailed    = errors.New("image validation failed")
	ErrInvalidSize       = errors.New("image does not fit the partition")
	ErrSelectInfoInvalid = errors.New("boot selection data invalid")
	ErrNotFound          = errors.New("no update partition")
	ErrFlashOp           = errors.New("flash operation failed")
	ErrInvalidState      = errors.New("flash in invalid state")
)

// Partition is one firmware slot.
type Partition struct {
	Label string
	Index int
	Size  int64 // capacity in bytes
	Path  string
}

// Flasher is the firmware storage collaborator of an update session.
type Flasher interface {
	// RunningPartition returns the partition the current firmware was
	// booted from.
	RunningPartition() (*Partition, error)

	// NextUpdatePartition returns the partition a new image should be
	// written to.
	NextUpdatePartition() (*Partition, error)

	// Begin erases p and opens a write session for an image of size bytes.
	Begin(p *Partition, size int64) (Update, error)

	// SetBootPartition selects p for the next boot. p must hold a
	// finalized image.
	SetBootPartition(p *Partition) error
}

// Update is an open write session on a partition.
type Update interface {
	// Write appends image bytes.
	Write(p []byte) (int, error)

	// End finalizes the image. The update is closed whatever the result.
	End() error

	// Abort discards the partial image. It is a no-op on a closed update.
	Abort() error
}
