//go:build !darwin && !linux

package native

// ThreadID returns 0 where the host exposes no thread identity; callers
// treat 0 as "not tracked".
func ThreadID() uint64 { return 0 }
