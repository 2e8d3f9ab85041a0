package storage

import "sync"

// FaultPoint names a step inside ApplyCommit where a failure can be
// injected.
type FaultPoint string

const (
	// FaultAfterBlocks fires once blocks have been written in the commit
	// transaction but before the root pointer moves.
	FaultAfterBlocks FaultPoint = "after-blocks"
)

// Faults lets tests fail a backend mid-transaction. A nil *Faults never
// fails.
type Faults struct {
	mu sync.Mutex
	fn func(FaultPoint) error
}

// Set installs fn; a nil fn clears the hook.
func (f *Faults) Set(fn func(FaultPoint) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
}

// Check returns the injected error for p, if any.
func (f *Faults) Check(p FaultPoint) error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(p)
}
