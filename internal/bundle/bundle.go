// Package bundle derives a VM bundle's on-disk layout and materializes its
// directory structure. Grounded on the teacher's internal/overlay package
// for idempotent directory creation and atomic staging-then-rename.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Extension is the canonical bundle directory suffix new bundles are
// written with.
const Extension = ".GhostVM"

// legacyExtension is the one case-insensitive alias accepted on read.
const legacyExtension = ".aegisvm"

// HasBundleExtension reports whether name ends in the canonical extension
// or its legacy alias, case-insensitively.
func HasBundleExtension(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, strings.ToLower(Extension)) ||
		strings.HasSuffix(lower, strings.ToLower(legacyExtension))
}

// NameWithExtension appends the canonical extension to name if it doesn't
// already carry a recognized one.
func NameWithExtension(name string) string {
	if HasBundleExtension(name) {
		return name
	}
	return name + Extension
}

// Layout is a pure function of a bundle's root path to the paths of every
// file and directory spec.md §3 names. Never touches the filesystem.
type Layout struct {
	Root string

	ConfigPath             string
	DiskPath                string
	HardwareModelPath       string
	MachineIdentifierPath   string
	AuxiliaryStoragePath    string
	NVRAMPath               string
	SnapshotsDir            string
	PIDPath                 string
	SuspendStatePath        string
}

// NewLayout derives a Layout from root. root need not exist.
func NewLayout(root string) Layout {
	return Layout{
		Root:                  root,
		ConfigPath:            filepath.Join(root, "config.json"),
		DiskPath:              filepath.Join(root, "disk.img"),
		HardwareModelPath:     filepath.Join(root, "HardwareModel.bin"),
		MachineIdentifierPath: filepath.Join(root, "MachineIdentifier.bin"),
		AuxiliaryStoragePath:  filepath.Join(root, "AuxiliaryStorage.bin"),
		NVRAMPath:             filepath.Join(root, "NVRAM.bin"),
		SnapshotsDir:          filepath.Join(root, "Snapshots"),
		PIDPath:               filepath.Join(root, "pid"),
		SuspendStatePath:      filepath.Join(root, "suspend.vzvmsave"),
	}
}

// SnapshotDir returns the path of the named snapshot directory.
func (l Layout) SnapshotDir(name string) string {
	return filepath.Join(l.SnapshotsDir, name)
}

// SnapshotFiles lists the absolute paths a snapshot captures: config, disk,
// and whichever OS-specific identity blobs exist. NVRAMPath is included
// only when isLinux, matching spec.md §3's "present only for Linux guests".
func (l Layout) SnapshotFiles(isLinux bool) []string {
	files := []string{l.ConfigPath, l.DiskPath, l.HardwareModelPath, l.MachineIdentifierPath, l.AuxiliaryStoragePath}
	if isLinux {
		files = append(files, l.NVRAMPath)
	}
	return files
}

// EnsureBundleDirectory creates root and its Snapshots/ subdirectory.
// Idempotent: calling it against an already-materialized bundle is a no-op.
func EnsureBundleDirectory(root string) error {
	layout := NewLayout(root)
	if err := os.MkdirAll(layout.SnapshotsDir, 0o755); err != nil {
		return fmt.Errorf("ensure bundle directory: %w", err)
	}
	return nil
}

// Exists reports whether root already exists on disk.
func Exists(root string) bool {
	_, err := os.Stat(root)
	return err == nil
}

// ValidName rejects the empty string, ".", "..", and any component
// containing a path separator or the reserved characters spec.md §4.5
// names for clone/rename targets.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for _, r := range []string{"/", ":", "\\"} {
		if strings.Contains(name, r) {
			return false
		}
	}
	return true
}

// ListBundles enumerates immediate subdirectories of dir that carry a
// recognized bundle extension. Non-bundle entries are skipped silently,
// per spec.md §6. Returns bundle root paths, unsorted — callers apply
// their own sort policy (controller.List uses locale-insensitive order;
// snapshot listing uses raw ASCII order — spec.md §9's deliberate
// mismatch).
func ListBundles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list bundles in %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !HasBundleExtension(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

// ListSnapshots enumerates snapshot names under a bundle's Snapshots/
// directory, ASCII-sorted (spec.md §4.5 "Tie-break: listing is
// ASCII-sorted").
func (l Layout) ListSnapshots() ([]string, error) {
	entries, err := os.ReadDir(l.SnapshotsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	// sort.Strings compares by raw byte value, independent of locale —
	// exactly the ASCII ordering spec.md §4.5 calls for.
	sort.Strings(names)
	return names, nil
}

// SanitizeSnapshotName keeps only ASCII alnum, '_', '-', '.'. Returns
// ("", false) if the result is empty after filtering, per spec.md §4.5.
func SanitizeSnapshotName(name string) (string, bool) {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		}
	}
	out := b.String()
	return out, out != ""
}
