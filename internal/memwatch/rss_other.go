//go:build !linux

package memwatch

func residentBytes() (uint64, error) {
	return 0, errUnsupported
}
