//go:build linux

package memwatch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/procfs"
)

// writeStat lays out <root>/<pid>/stat with the given resident page count
// in field 24.
func writeStat(t *testing.T, root, pid, rssPages string) {
	t.Helper()
	fields := []string{"S", "1", "42", "42", "0", "-1", "4194304", "100", "0", "0", "0",
		"10", "5", "0", "0", "20", "0", "8", "0", "1000", "123456789", rssPages,
		"18446744073709551615", "0", "0", "0", "0", "0", "0", "0", "0", "0", "0", "0",
		"0", "0", "0", "17", "0", "0", "0", "0", "0"}
	line := pid + " (wagate) " + strings.Join(fields, " ") + "\n"

	dir := filepath.Join(root, pid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(line), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestProcResident(t *testing.T) {
	root := t.TempDir()
	writeStat(t, root, "42", "1000")

	fs, err := procfs.NewFS(root)
	if err != nil {
		t.Fatalf("NewFS() error = %v", err)
	}
	p, err := fs.Proc(42)
	if err != nil {
		t.Fatalf("Proc() error = %v", err)
	}

	got, err := procResident(p)
	if err != nil {
		t.Fatalf("procResident() error = %v", err)
	}
	if want := uint64(1000 * os.Getpagesize()); got != want {
		t.Errorf("procResident() = %d, want %d", got, want)
	}
}

func TestProcResident_Malformed(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "42")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	fs, err := procfs.NewFS(root)
	if err != nil {
		t.Fatalf("NewFS() error = %v", err)
	}
	p, err := fs.Proc(42)
	if err != nil {
		t.Fatalf("Proc() error = %v", err)
	}
	if _, err := procResident(p); err == nil {
		t.Error("procResident() expected error for malformed stat")
	}
}

func TestResidentBytes_Live(t *testing.T) {
	got, err := residentBytes()
	if err != nil {
		t.Fatalf("residentBytes() error = %v", err)
	}
	if got == 0 {
		t.Error("residentBytes() = 0 for a running process")
	}
}
