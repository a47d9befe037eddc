// Package flash abstracts the firmware partition storage an update session
// writes to.
//
// A Flasher hands out the next update partition, opens a write session on
// it and finally marks it bootable. FileFlasher implements this on a host
// filesystem: each partition is a file, and the boot selection is a YAML
// record written atomically.
//
//	store, err := flash.NewFileFlasher("/var/lib/corsacota", 2, 16<<20)
//	p, err := store.NextUpdatePartition()
//	u, err := store.Begin(p, size)
//	u.Write(chunk) // repeated
//	err = u.End()
//	err = store.SetBootPartition(p)
//
// Errors wrap the sentinel values of this package so callers can map them to
// user-facing messages with errors.Is.
package flash
