// Package controller implements the bundle lifecycle operations of
// spec.md §4.5: init, list, updateSettings, install, clone, rename,
// moveToTrash, snapshot create/revert/delete, status, discardSuspend,
// makeSession. Grounded on the teacher's internal/lifecycle.Manager for
// the state-guarded-mutation shape. Snapshot create/revert make their
// whole-file copies through the Controller's Copier.
package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ghostvm/ghostvm/internal/bundle"
	"github.com/ghostvm/ghostvm/internal/config"
	"github.com/ghostvm/ghostvm/internal/hypervisor"
	"github.com/ghostvm/ghostvm/internal/lock"
	"github.com/ghostvm/ghostvm/internal/netstack/addr"
	"github.com/ghostvm/ghostvm/internal/session"
	"github.com/ghostvm/ghostvm/internal/vmerr"
)

// toHVLayout projects the identity-blob paths out of a bundle.Layout into
// the minimal shape hypervisor.Adapter needs, without hypervisor
// importing internal/bundle.
func toHVLayout(l bundle.Layout) hypervisor.BundleLayout {
	return hypervisor.BundleLayout{
		HardwareModelPath:     l.HardwareModelPath,
		MachineIdentifierPath: l.MachineIdentifierPath,
		AuxiliaryStoragePath:  l.AuxiliaryStoragePath,
	}
}

// COW is the copy-on-write filesystem primitive clone() requires.
// Platforms implement this over APFS clonefile(2), btrfs reflink, or
// similar; spec.md §4.5 forbids silently falling back to a full copy when
// this is unavailable or fails, so there is deliberately no fallback path
// anywhere in this package — see DESIGN.md.
type COW interface {
	CloneFile(src, dst string) error
}

// Trash is the platform move-to-trash primitive moveToTrash() requires.
type Trash interface {
	MoveToTrash(path string) error
}

// Copier performs a whole-file copy, used by snapshot create/revert which
// spec.md §4.5 explicitly wants as plain copies, not COW clones.
type Copier interface {
	CopyFile(src, dst string) error
}

// Controller bundles the platform adapters and hypervisor minima needed
// to implement every spec.md §4.5 operation.
type Controller struct {
	Hypervisor hypervisor.Adapter
	COW        COW
	Trash      Trash
	Copier     Copier
}

// InitOptions configures init().
type InitOptions struct {
	GuestOS          hypervisor.GuestOS
	CPUs             int
	MemoryBytes      uint64
	DiskBytes        uint64
	RestoreImagePath string // macOS only
	InstallerISOPath string // Linux only, optional
}

const (
	minMacOSDiskBytes = 20 << 30
	minLinuxDiskBytes = 10 << 30
)

// checkMinima enforces spec.md §4.5's floor: cpu >= max(2,
// hypervisor.minAllowedCPUs); memory >= hypervisor.minAllowedMemory;
// macOS disk >= 20 GiB, Linux disk >= 10 GiB.
func (c *Controller) checkMinima(opts InitOptions) error {
	minima := c.Hypervisor.QueryMinima()
	minCPUs := minima.MinAllowedCPUs
	if minCPUs < 2 {
		minCPUs = 2
	}
	if opts.CPUs < minCPUs {
		return vmerr.InvalidValueErr("cpus", fmt.Sprintf(">= %d", minCPUs))
	}
	if opts.MemoryBytes < minima.MinAllowedMemory {
		return vmerr.InvalidValueErr("memoryBytes", fmt.Sprintf(">= %d", minima.MinAllowedMemory))
	}
	minDisk := uint64(minLinuxDiskBytes)
	if opts.GuestOS == hypervisor.GuestMacOS {
		minDisk = minMacOSDiskBytes
	}
	if opts.DiskBytes < minDisk {
		return vmerr.InvalidValueErr("diskBytes", fmt.Sprintf(">= %d", minDisk))
	}
	return nil
}

// Init validates, creates, and populates a fresh bundle at root.
func (c *Controller) Init(ctx context.Context, root string, opts InitOptions) error {
	if !c.Hypervisor.IsSupported() {
		return vmerr.New(vmerr.Unsupported, "host does not support virtualization")
	}
	if !bundle.HasBundleExtension(root) {
		return vmerr.New(vmerr.InvalidExtension, "bundle path must carry the bundle extension")
	}
	if bundle.Exists(root) {
		return vmerr.New(vmerr.BundleExists, "bundle already exists")
	}
	if err := c.checkMinima(opts); err != nil {
		return err
	}

	if err := bundle.EnsureBundleDirectory(root); err != nil {
		return err
	}

	layout := bundle.NewLayout(root)
	cfg := config.New(opts.CPUs, opts.MemoryBytes, opts.DiskBytes)

	if opts.GuestOS == hypervisor.GuestMacOS {
		if opts.RestoreImagePath == "" {
			return vmerr.InvalidValueErr("restoreImagePath", "non-empty for macOS guests")
		}
		if err := c.Hypervisor.RestoreFromImage(ctx, opts.RestoreImagePath, toHVLayout(layout)); err != nil {
			return vmerr.Wrap(vmerr.HypervisorFailure, "materialize identity blobs", err)
		}
		cfg.RestoreImagePath = opts.RestoreImagePath
	} else {
		cfg.GuestOSType = "Linux"
		if err := os.WriteFile(layout.NVRAMPath, nil, 0o644); err != nil {
			return fmt.Errorf("create EFI variable store: %w", err)
		}
		cfg.EFIVariableStorePath = "NVRAM.bin"
		if opts.InstallerISOPath != "" {
			if _, err := os.Stat(opts.InstallerISOPath); err != nil {
				return vmerr.InvalidValueErr("installerISOPath", "existing file")
			}
			cfg.InstallerISOPath = opts.InstallerISOPath
		}
		cfg.Installed = true
	}

	diskFile, err := os.Create(layout.DiskPath)
	if err != nil {
		return fmt.Errorf("create disk image: %w", err)
	}
	if err := diskFile.Truncate(int64(opts.DiskBytes)); err != nil {
		diskFile.Close()
		return fmt.Errorf("create disk image: %w", err)
	}
	diskFile.Close()

	mac, err := addr.NewLocallyAdministered()
	if err != nil {
		return err
	}
	cfg.MACAddress = mac.String()

	return config.Save(root, cfg)
}

// BundleSummary is one entry of List's result, spec.md §4.5's
// best-effort-load-skip-on-failure enumeration.
type BundleSummary struct {
	Path   string
	Config *config.StoredConfig
}

// List enumerates bundle directories under dir, best-effort loading each
// entry's config. Bundles that fail to load are skipped, never abort the
// listing. Sorted by locale-insensitive lowercased name then by path.
func (c *Controller) List(dir string) ([]BundleSummary, []error) {
	paths, err := bundle.ListBundles(dir)
	if err != nil {
		return nil, []error{err}
	}

	var out []BundleSummary
	var errs []error
	for _, p := range paths {
		cfg, changed, err := config.Load(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		if changed {
			if err := config.Save(p, cfg); err != nil {
				errs = append(errs, fmt.Errorf("%s: persist normalization: %w", p, err))
			}
		}
		out = append(out, BundleSummary{Path: p, Config: cfg})
	}

	sort.Slice(out, func(i, j int) bool {
		ni := strings.ToLower(filepath.Base(out[i].Path))
		nj := strings.ToLower(filepath.Base(out[j].Path))
		if ni != nj {
			return ni < nj
		}
		return out[i].Path < out[j].Path
	})
	return out, errs
}

// isRunning reports whether root's lock is currently held by a live
// owner, per the "refuses on running" guard most operations share.
func isRunning(root string) (lock.Owner, bool) {
	layout := bundle.NewLayout(root)
	return lock.Read(layout.PIDPath)
}

func refuseIfRunning(root string) error {
	if owner, running := isRunning(root); running {
		return vmerr.RunningErr(vmerr.Owner(owner.Kind), owner.PID)
	}
	return nil
}

// UpdateSettingsOptions is the mutable subset of StoredConfig
// updateSettings may change.
type UpdateSettingsOptions struct {
	CPUs          int
	MemoryBytes   uint64
	SharedFolders []config.SharedFolder
	PortForwards  []config.PortForward
}

// UpdateSettings validates and persists a new settings vector, refusing
// while the VM is running.
func (c *Controller) UpdateSettings(root string, opts UpdateSettingsOptions) error {
	if err := refuseIfRunning(root); err != nil {
		return err
	}
	cfg, _, err := config.Load(root)
	if err != nil {
		return err
	}

	minima := c.Hypervisor.QueryMinima()
	minCPUs := minima.MinAllowedCPUs
	if minCPUs < 2 {
		minCPUs = 2
	}
	if opts.CPUs < minCPUs {
		return vmerr.InvalidValueErr("cpus", fmt.Sprintf(">= %d", minCPUs))
	}
	if opts.MemoryBytes < minima.MinAllowedMemory {
		return vmerr.InvalidValueErr("memoryBytes", fmt.Sprintf(">= %d", minima.MinAllowedMemory))
	}

	seen := make(map[uint16]bool, len(opts.PortForwards))
	for _, pf := range opts.PortForwards {
		if pf.HostPort == 0 {
			return vmerr.InvalidValueErr("hostPort", "> 0")
		}
		if seen[pf.HostPort] {
			return vmerr.InvalidValueErr("hostPort", "unique within portForwards")
		}
		seen[pf.HostPort] = true
	}
	for _, sf := range opts.SharedFolders {
		if sf.Path == "" {
			return vmerr.InvalidValueErr("sharedFolders.path", "non-empty")
		}
	}

	cfg.CPUs = opts.CPUs
	cfg.MemoryBytes = opts.MemoryBytes
	if len(opts.SharedFolders) > 0 {
		cfg.SharedFolderPath = ""
		cfg.SharedFolderReadOnly = false
	}
	cfg.SharedFolders = opts.SharedFolders
	cfg.PortForwards = opts.PortForwards

	return config.Save(root, cfg)
}

// ProgressFunc is install's progress callback: fraction in [0,1] and a
// localized status string.
type ProgressFunc func(fraction float64, localized string)

// Install refuses on running, drives the hypervisor's installer, and
// stamps the install-success fields on completion.
func (c *Controller) Install(ctx context.Context, root string, progress ProgressFunc) error {
	if err := refuseIfRunning(root); err != nil {
		return err
	}
	cfg, _, err := config.Load(root)
	if err != nil {
		return err
	}
	if cfg.Installed {
		return vmerr.New(vmerr.AlreadyInstalled, "bundle already installed")
	}

	build, version, err := c.Hypervisor.Install(ctx, root, func(fraction float64) {
		if progress != nil {
			progress(fraction, fmt.Sprintf("%.0f%%", fraction*100))
		}
	})
	if err != nil {
		return vmerr.Wrap(vmerr.HypervisorFailure, "install", err)
	}

	now := time.Now().UTC()
	cfg.Installed = true
	cfg.LastInstallBuild = build
	cfg.LastInstallVersion = version
	cfg.LastInstallDate = &now
	return config.Save(root, cfg)
}

// Clone produces a new bundle at destRoot sharing disk.img/identity-blob
// storage with root via the COW primitive. It never falls back to a full
// copy: if c.COW is nil or CloneFile fails, Clone aborts and removes the
// partial destination, per spec.md §4.5.
func (c *Controller) Clone(root, destRoot string) (err error) {
	cfg, _, loadErr := config.Load(root)
	if loadErr != nil {
		return loadErr
	}
	if !cfg.Installed {
		return vmerr.New(vmerr.NotInstalled, "source is not installed")
	}
	if owner, running := isRunning(root); running {
		return vmerr.RunningErr(vmerr.Owner(owner.Kind), owner.PID)
	}

	destName := filepath.Base(destRoot)
	if !bundle.ValidName(strings.TrimSuffix(destName, bundle.Extension)) {
		return vmerr.New(vmerr.InvalidName, "invalid clone name")
	}
	if bundle.Exists(destRoot) {
		return vmerr.New(vmerr.BundleExists, "destination already exists")
	}
	if c.COW == nil {
		return vmerr.New(vmerr.COWUnsupported, "no copy-on-write primitive available")
	}

	if err := bundle.EnsureBundleDirectory(destRoot); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.RemoveAll(destRoot)
		}
	}()

	srcLayout := bundle.NewLayout(root)
	dstLayout := bundle.NewLayout(destRoot)

	cloneTargets := []struct{ src, dst string }{
		{srcLayout.DiskPath, dstLayout.DiskPath},
		{srcLayout.HardwareModelPath, dstLayout.HardwareModelPath},
		{srcLayout.AuxiliaryStoragePath, dstLayout.AuxiliaryStoragePath},
	}
	for _, t := range cloneTargets {
		if _, statErr := os.Stat(t.src); statErr != nil {
			continue
		}
		if err = c.COW.CloneFile(t.src, t.dst); err != nil {
			return vmerr.Wrap(vmerr.COWUnsupported, "clone "+filepath.Base(t.src), err)
		}
	}

	newCfg := *cfg
	newCfg.IsSuspended = false
	newCfg.PortForwards = []config.PortForward{}
	newCfg.SharedFolders = []config.SharedFolder{}
	newCfg.Installed = true
	newMAC, err := addr.NewLocallyAdministered()
	if err != nil {
		return err
	}
	newCfg.MACAddress = newMAC.String()
	newCfg.CreatedAt = time.Now().UTC()

	if err = c.Hypervisor.GenerateMachineIdentifier(toHVLayout(dstLayout)); err != nil {
		return vmerr.Wrap(vmerr.HypervisorFailure, "generate machine identifier", err)
	}

	if err = config.Save(destRoot, &newCfg); err != nil {
		return err
	}
	return nil
}

// Rename refuses on running, enforces the name rules, and moves root to
// a sibling path named newName.
func (c *Controller) Rename(root, newName string) (string, error) {
	if err := refuseIfRunning(root); err != nil {
		return "", err
	}
	if !bundle.ValidName(newName) {
		return "", vmerr.New(vmerr.InvalidName, "invalid name")
	}
	dest := filepath.Join(filepath.Dir(root), bundle.NameWithExtension(newName))
	if bundle.Exists(dest) {
		return "", vmerr.New(vmerr.BundleExists, "destination already exists")
	}
	if err := os.Rename(root, dest); err != nil {
		return "", fmt.Errorf("rename bundle: %w", err)
	}
	return dest, nil
}

// MoveToTrash refuses on running and delegates to the platform Trash
// adapter.
func (c *Controller) MoveToTrash(root string) error {
	if err := refuseIfRunning(root); err != nil {
		return err
	}
	if c.Trash == nil {
		return vmerr.New(vmerr.Unsupported, "no trash adapter available")
	}
	return c.Trash.MoveToTrash(root)
}

// SnapshotCreate materializes Snapshots/<name>/ with whole-file copies of
// config.json, disk, and the OS-specific identity blobs. Refuses on
// running.
func (c *Controller) SnapshotCreate(root, rawName string) error {
	if err := refuseIfRunning(root); err != nil {
		return err
	}
	name, ok := bundle.SanitizeSnapshotName(rawName)
	if !ok {
		return vmerr.New(vmerr.InvalidSnapshotName, "empty after sanitization")
	}
	cfg, _, err := config.Load(root)
	if err != nil {
		return err
	}

	layout := bundle.NewLayout(root)
	dest := layout.SnapshotDir(name)
	if bundle.Exists(dest) {
		return vmerr.New(vmerr.BundleExists, "snapshot already exists")
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	for _, src := range layout.SnapshotFiles(cfg.IsLinux()) {
		if _, statErr := os.Stat(src); statErr != nil {
			continue
		}
		dst := filepath.Join(dest, filepath.Base(src))
		if err := c.Copier.CopyFile(src, dst); err != nil {
			os.RemoveAll(dest)
			return fmt.Errorf("copy %s into snapshot: %w", filepath.Base(src), err)
		}
	}
	return nil
}

// SnapshotRevert backs up the current files to a temp directory,
// overwrites from the snapshot, removes suspend state, clears
// isSuspended, and deletes the temp backup on success. On failure the
// temp backup is restored.
func (c *Controller) SnapshotRevert(root, rawName string) (err error) {
	if err := refuseIfRunning(root); err != nil {
		return err
	}
	name, ok := bundle.SanitizeSnapshotName(rawName)
	if !ok {
		return vmerr.New(vmerr.InvalidSnapshotName, "empty after sanitization")
	}
	cfg, _, loadErr := config.Load(root)
	if loadErr != nil {
		return loadErr
	}

	layout := bundle.NewLayout(root)
	snapshotDir := layout.SnapshotDir(name)
	if !bundle.Exists(snapshotDir) {
		return vmerr.New(vmerr.BundleMissing, "snapshot does not exist")
	}

	backupDir, err := os.MkdirTemp(filepath.Dir(root), ".revert-backup-*")
	if err != nil {
		return fmt.Errorf("create revert backup dir: %w", err)
	}
	restored := false
	defer func() {
		if err != nil && !restored {
			for _, f := range layout.SnapshotFiles(cfg.IsLinux()) {
				backup := filepath.Join(backupDir, filepath.Base(f))
				if _, statErr := os.Stat(backup); statErr == nil {
					c.Copier.CopyFile(backup, f)
				}
			}
		}
		os.RemoveAll(backupDir)
	}()

	for _, f := range layout.SnapshotFiles(cfg.IsLinux()) {
		if _, statErr := os.Stat(f); statErr != nil {
			continue
		}
		if err = c.Copier.CopyFile(f, filepath.Join(backupDir, filepath.Base(f))); err != nil {
			return fmt.Errorf("back up %s before revert: %w", filepath.Base(f), err)
		}
	}

	for _, f := range layout.SnapshotFiles(cfg.IsLinux()) {
		src := filepath.Join(snapshotDir, filepath.Base(f))
		if _, statErr := os.Stat(src); statErr != nil {
			continue
		}
		if err = c.Copier.CopyFile(src, f); err != nil {
			return fmt.Errorf("restore %s from snapshot: %w", filepath.Base(f), err)
		}
	}

	os.Remove(layout.SuspendStatePath)

	cfg, _, err = config.Load(root)
	if err != nil {
		return err
	}
	cfg.IsSuspended = false
	if err = config.Save(root, cfg); err != nil {
		return err
	}

	restored = true
	return nil
}

// SnapshotDelete removes the named snapshot directory.
func (c *Controller) SnapshotDelete(root, rawName string) error {
	name, ok := bundle.SanitizeSnapshotName(rawName)
	if !ok {
		return vmerr.New(vmerr.InvalidSnapshotName, "empty after sanitization")
	}
	layout := bundle.NewLayout(root)
	dir := layout.SnapshotDir(name)
	if !bundle.Exists(dir) {
		return vmerr.New(vmerr.BundleMissing, "snapshot does not exist")
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Status is status()'s result: running/suspended/stopped plus stored
// sizes.
type Status struct {
	Running     bool
	RunningOwner lock.Owner
	Suspended   bool
	CPUs        int
	MemoryBytes uint64
	DiskBytes   uint64
}

// GetStatus loads config and reports the bundle's current lifecycle
// state.
func (c *Controller) GetStatus(root string) (Status, error) {
	cfg, _, err := config.Load(root)
	if err != nil {
		return Status{}, err
	}
	owner, running := isRunning(root)
	return Status{
		Running:      running,
		RunningOwner: owner,
		Suspended:    cfg.IsSuspended,
		CPUs:         cfg.CPUs,
		MemoryBytes:  cfg.MemoryBytes,
		DiskBytes:    cfg.DiskBytes,
	}, nil
}

// DiscardSuspend deletes suspend.vzvmsave and clears isSuspended.
func (c *Controller) DiscardSuspend(root string) error {
	layout := bundle.NewLayout(root)
	if err := os.Remove(layout.SuspendStatePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard suspend state: %w", err)
	}
	cfg, _, err := config.Load(root)
	if err != nil {
		return err
	}
	cfg.IsSuspended = false
	return config.Save(root, cfg)
}

// DetachISO clears a Linux guest's installer ISO path, so the VM no longer
// boots the installer on its next start (the CLI surface's "detach-iso",
// spec.md §6). Refuses while running, matching every other bundle
// mutation.
func (c *Controller) DetachISO(root string) error {
	if err := refuseIfRunning(root); err != nil {
		return err
	}
	cfg, _, err := config.Load(root)
	if err != nil {
		return err
	}
	cfg.InstallerISOPath = ""
	return config.Save(root, cfg)
}

// MakeSession acquires the bundle lock for the embedded owner, migrates
// a missing MAC address in the same transaction, and constructs a
// session.Session bound to c.Hypervisor.
func (c *Controller) MakeSession(root string, pid int, cb session.Callbacks) (*session.Session, error) {
	return c.makeSessionAs(root, lock.OwnerEmbedded, pid, cb)
}

// MakeCLISession is makeSession's CLI-owner variant: the CLI process holds
// the lock directly (pid file written as "<pid>\n", not "embedded:<pid>\n"),
// for a vmctl invocation that starts and foreground-drives a VM itself
// rather than through an in-process host controller.
func (c *Controller) MakeCLISession(root string, pid int, cb session.Callbacks) (*session.Session, error) {
	return c.makeSessionAs(root, lock.OwnerCLI, pid, cb)
}

func (c *Controller) makeSessionAs(root string, ownerKind lock.OwnerKind, pid int, cb session.Callbacks) (*session.Session, error) {
	layout := bundle.NewLayout(root)
	if err := lock.EnsureDir(layout.PIDPath); err != nil {
		return nil, err
	}
	want := lock.Owner{Kind: ownerKind, PID: pid}
	if current, err := lock.TryAcquire(layout.PIDPath, want); err != nil {
		return nil, err
	} else if current != nil {
		return nil, vmerr.RunningErr(vmerr.Owner(current.Kind), current.PID)
	}

	cfg, _, err := config.Load(root)
	if err != nil {
		lock.Release(layout.PIDPath)
		return nil, err
	}
	if cfg.MACAddress == "" {
		mac, err := addr.NewLocallyAdministered()
		if err != nil {
			lock.Release(layout.PIDPath)
			return nil, err
		}
		cfg.MACAddress = mac.String()
		if err := config.Save(root, cfg); err != nil {
			lock.Release(layout.PIDPath)
			return nil, err
		}
	}

	releaseLock := func() { lock.Release(layout.PIDPath) }
	return session.New(root, c.Hypervisor, layout.SuspendStatePath, releaseLock, cb), nil
}
