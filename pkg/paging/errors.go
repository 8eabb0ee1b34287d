package paging

import "fmt"

// InvalidEntryError is returned when the walk hits an entry with the
// present bit clear: the virtual address is simply not mapped in this
// context. It is an expected, per-address condition, not a fault of the
// paging context.
type InvalidEntryError struct {
	VAddr uint64
	Level int
}

func (err *InvalidEntryError) Error() string {
	return fmt.Sprintf("virtual address %#x is not mapped (entry not present at level %d)", err.VAddr, err.Level)
}

// MalformedEntryError is returned when an entry has reserved bits set in a
// way the paging mode forbids. It usually means the directory table base or
// the paging mode is wrong for this context; callers should treat it as a
// signal that the context is suspect, not as a fatal error.
type MalformedEntryError struct {
	VAddr  uint64
	Entry  uint64
	Level  int
	Reason string
}

func (err *MalformedEntryError) Error() string {
	return fmt.Sprintf("malformed page table entry %#x at level %d for virtual address %#x: %s", err.Entry, err.Level, err.VAddr, err.Reason)
}
