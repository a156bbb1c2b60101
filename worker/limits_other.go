//go:build !unix

package worker

const addressSpaceHeadroom = 0

// setAddressSpaceLimit is a no-op; the heap watchdog still applies.
func setAddressSpaceLimit(int64) error {
	return nil
}
