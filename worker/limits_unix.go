//go:build unix

package worker

import "golang.org/x/sys/unix"

// addressSpaceHeadroom is added to the memory budget for RLIMIT_AS: the Go
// runtime reserves address space for stacks and heap arenas that it never
// touches.
const addressSpaceHeadroom = 4 << 30

func setAddressSpaceLimit(bytes int64) error {
	lim := &unix.Rlimit{Cur: uint64(bytes), Max: uint64(bytes)}
	return unix.Setrlimit(unix.RLIMIT_AS, lim)
}
