// Package config implements StoredConfig: the per-bundle JSON record
// (spec.md §3), its path-normalization rules, and atomic save. Grounded on
// the teacher's internal/config path-resolution conventions and
// internal/registry's "write everything atomically" discipline, adapted
// from daemon-wide settings to a single bundle's config.json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CurrentVersion is the schema version new configs are written with.
const CurrentVersion = 1

// SharedFolder is one entry of the vector shared-folder form.
type SharedFolder struct {
	ID       uuid.UUID `json:"id"`
	Path     string    `json:"path"`
	ReadOnly bool      `json:"readOnly"`
}

// PortForward is one entry of the port-forward vector.
type PortForward struct {
	ID        uuid.UUID `json:"id"`
	HostPort  uint16    `json:"hostPort"`
	GuestPort uint16    `json:"guestPort"`
	Enabled   bool      `json:"enabled"`
}

// StoredConfig is the on-disk persisted record. Field names are part of
// the wire format and must not be renamed (spec.md §3).
type StoredConfig struct {
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`

	CPUs        int    `json:"cpus"`
	MemoryBytes uint64 `json:"memoryBytes"`
	DiskBytes   uint64 `json:"diskBytes"`

	RestoreImagePath string `json:"restoreImagePath,omitempty"`

	HardwareModelPath     string `json:"hardwareModelPath"`
	MachineIdentifierPath string `json:"machineIdentifierPath"`
	AuxiliaryStoragePath  string `json:"auxiliaryStoragePath"`
	DiskPath              string `json:"diskPath"`
	EFIVariableStorePath  string `json:"efiVariableStorePath,omitempty"`

	SharedFolderPath     string `json:"sharedFolderPath,omitempty"`
	SharedFolderReadOnly bool   `json:"sharedFolderReadOnly"`
	SharedFolders        []SharedFolder `json:"sharedFolders"`

	Installed          bool      `json:"installed"`
	LastInstallBuild   string    `json:"lastInstallBuild,omitempty"`
	LastInstallVersion string    `json:"lastInstallVersion,omitempty"`
	LastInstallDate    *time.Time `json:"lastInstallDate,omitempty"`

	IsSuspended bool `json:"isSuspended"`

	MACAddress string `json:"macAddress,omitempty"`

	PortForwards []PortForward `json:"portForwards"`

	GuestOSType      string `json:"guestOSType,omitempty"`
	InstallerISOPath string `json:"installerISOPath,omitempty"`

	IconMode   string `json:"iconMode,omitempty"`
	LegacyName string `json:"legacyName,omitempty"`

	// Name is the single legacy on-disk key ("name") that §6 says maps to
	// LegacyName on read and is cleared on write.
	Name string `json:"name,omitempty"`
}

// IsLinux reports whether the bundle holds a Linux guest.
func (c *StoredConfig) IsLinux() bool {
	return strings.EqualFold(c.GuestOSType, "Linux")
}

// New constructs a fresh StoredConfig for init, stamping CreatedAt and
// ModifiedAt to now.
func New(cpus int, memoryBytes, diskBytes uint64) *StoredConfig {
	now := time.Now().UTC()
	return &StoredConfig{
		Version:              CurrentVersion,
		CreatedAt:            now,
		ModifiedAt:           now,
		CPUs:                 cpus,
		MemoryBytes:          memoryBytes,
		DiskBytes:            diskBytes,
		HardwareModelPath:    "HardwareModel.bin",
		MachineIdentifierPath: "MachineIdentifier.bin",
		AuxiliaryStoragePath: "AuxiliaryStorage.bin",
		DiskPath:             "disk.img",
		SharedFolders:        []SharedFolder{},
		PortForwards:         []PortForward{},
	}
}

// Load reads and parses root/config.json, then normalizes it in-memory
// per spec.md §4.4. The bool return reports whether normalization changed
// any field, so the caller can decide whether to persist the rewrite.
func Load(root string) (*StoredConfig, bool, error) {
	path := filepath.Join(root, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, ErrMissingConfig
		}
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var cfg StoredConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	changed := cfg.normalize(root)
	return &cfg, changed, nil
}

// normalize rewrites absolute-inside-bundle paths as bundle-relative
// filenames, expands tilde-prefixed or relative external paths to
// absolute, and clears the obsolete legacyName/name fields. Reports
// whether anything changed.
func (c *StoredConfig) normalize(root string) bool {
	changed := false

	relFields := []*string{
		&c.HardwareModelPath, &c.MachineIdentifierPath, &c.AuxiliaryStoragePath,
		&c.DiskPath, &c.EFIVariableStorePath,
	}
	for _, f := range relFields {
		if *f == "" {
			continue
		}
		if rel, ok := insideBundle(root, *f); ok && rel != *f {
			*f = rel
			changed = true
		}
	}

	extFields := []*string{&c.RestoreImagePath, &c.SharedFolderPath, &c.InstallerISOPath}
	for _, f := range extFields {
		if *f == "" {
			continue
		}
		abs := toAbsolute(*f)
		if abs != *f {
			*f = abs
			changed = true
		}
	}
	for i := range c.SharedFolders {
		abs := toAbsolute(c.SharedFolders[i].Path)
		if abs != c.SharedFolders[i].Path {
			c.SharedFolders[i].Path = abs
			changed = true
		}
	}

	if c.Name != "" {
		c.LegacyName = c.Name
		c.Name = ""
		changed = true
	}
	if c.LegacyName != "" {
		c.LegacyName = ""
		changed = true
	}

	if c.SharedFolders == nil {
		c.SharedFolders = []SharedFolder{}
	}
	if c.PortForwards == nil {
		c.PortForwards = []PortForward{}
	}

	return changed
}

// insideBundle rewrites an absolute path that sits inside root as a
// root-relative filename. ok is false if p is not absolute or does not
// fall under root.
func insideBundle(root, p string) (string, bool) {
	if !filepath.IsAbs(p) {
		return p, false
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p, false
	}
	return rel, true
}

// toAbsolute expands a tilde-prefixed or relative path to absolute. Paths
// already absolute are returned unchanged.
func toAbsolute(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, rest)
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

// Save stamps ModifiedAt=now and writes config.json atomically
// (write-to-temp, then rename) under root.
func Save(root string, cfg *StoredConfig) error {
	cfg.ModifiedAt = time.Now().UTC()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	path := filepath.Join(root, "config.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config staging file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}
