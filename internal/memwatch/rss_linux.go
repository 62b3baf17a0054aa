//go:build linux

package memwatch

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// residentBytes reads the resident set size of the current process.
func residentBytes() (uint64, error) {
	p, err := procfs.Self()
	if err != nil {
		return 0, fmt.Errorf("open /proc/self: %w", err)
	}
	return procResident(p)
}

func procResident(p procfs.Proc) (uint64, error) {
	st, err := p.Stat()
	if err != nil {
		return 0, fmt.Errorf("read process stat: %w", err)
	}
	rss := st.ResidentMemory()
	if rss < 0 {
		return 0, fmt.Errorf("process stat: negative resident size %d", rss)
	}
	return uint64(rss), nil
}
