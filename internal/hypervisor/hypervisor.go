// Package hypervisor defines the abstract boundary to the host
// virtualization API (spec.md §6 "Hypervisor adapter"). Grounded directly
// on the teacher's internal/vmm.VMM interface: the same
// create/start/pause/resume/stop surface, generalized from container-style
// rootfs+harness config to VM-style disk+identity-blob+network config, and
// from a JSON-RPC ControlChannel to a delegate-callback pair since
// spec.md's session drives the adapter rather than RPCing a guest harness.
package hypervisor

import "context"

// Handle is an opaque reference to a created VM, mirroring vmm.Handle.
type Handle struct {
	ID string
}

func (h Handle) String() string { return h.ID }

// GuestOS discriminates the two guest families spec.md §4.5 names.
type GuestOS string

const (
	GuestMacOS GuestOS = "macOS"
	GuestLinux GuestOS = "Linux"
)

// NetworkInterface describes one virtual NIC to attach.
type NetworkInterface struct {
	MACAddress string
}

// SharedFolder mirrors config.SharedFolder without importing internal/config
// (hypervisor must stay a leaf dependency).
type SharedFolder struct {
	HostPath string
	ReadOnly bool
}

// IdentityBlobs are the opaque, hypervisor-produced byte blobs spec.md §3
// says are "never parsed by the core" — only materialized and copied.
type IdentityBlobs struct {
	HardwareModelPath     string
	MachineIdentifierPath string
	AuxiliaryStoragePath  string
	NVRAMPath             string // Linux guests only
}

// VMConfig describes how to create a VM, mirroring vmm.VMConfig's shape but
// generalized to spec.md §6's field list: cpu, memory, disk path,
// network(s), shared folders, MAC, OS-specific identity blobs, optional
// restore-from-state URL.
type VMConfig struct {
	GuestOS       GuestOS
	CPUs          int
	MemoryBytes   uint64
	DiskPath      string
	Networks      []NetworkInterface
	SharedFolders []SharedFolder
	Identity      IdentityBlobs
	RestoreFrom   string // suspend.vzvmsave path, empty for a fresh start
}

// Delegate receives the two asynchronous callbacks spec.md §6 names.
// Implementations (the session) must enqueue to their own coordination
// domain and return immediately — see spec.md §9's design note on
// inverting the Session/adapter ownership cycle.
type Delegate interface {
	GuestDidStop(h Handle)
	DidStopWithError(h Handle, err error)
}

// Minima reports the hypervisor's own floor on cpu/memory, combined with
// spec.md §4.5's hard floors (cpu >= max(2, minAllowedCPUs); macOS disk >=
// 20 GiB; Linux disk >= 10 GiB) by the controller, not by the adapter.
type Minima struct {
	MinAllowedCPUs   int
	MinAllowedMemory uint64
}

// BundleLayout is the minimal subset of bundle.Layout the hypervisor
// needs to materialize identity blobs, kept local so hypervisor stays a
// leaf dependency (no import of internal/bundle).
type BundleLayout struct {
	HardwareModelPath     string
	MachineIdentifierPath string
	AuxiliaryStoragePath  string
}

// Adapter is the full hypervisor surface the session and controller use.
// Platform backends implement this; tests use the in-memory FakeAdapter
// in fake.go.
type Adapter interface {
	// IsSupported reports whether the host can virtualize at all.
	IsSupported() bool
	// QueryMinima returns the adapter's own cpu/memory floor.
	QueryMinima() Minima

	CreateVM(ctx context.Context, cfg VMConfig) (Handle, error)
	StartVM(ctx context.Context, h Handle, delegate Delegate) error
	RequestStop(ctx context.Context, h Handle) error
	Stop(ctx context.Context, h Handle) error
	Pause(ctx context.Context, h Handle) error
	Resume(ctx context.Context, h Handle) error

	// SaveState snapshots h's running state to path (suspend.vzvmsave).
	SaveState(ctx context.Context, h Handle, path string) error
	// RestoreState is implied by VMConfig.RestoreFrom at CreateVM time;
	// this method exists for adapters that restore post-creation instead.
	RestoreState(ctx context.Context, h Handle, path string) error

	// RestoreFromImage loads a macOS restore image, asserts host support
	// of the image's hardware model, and materializes HardwareModel,
	// MachineIdentifier, and AuxiliaryStorage at the paths named by
	// layout — spec.md §4.5's init() step for macOS guests.
	RestoreFromImage(ctx context.Context, imagePath string, layout BundleLayout) error

	// GenerateMachineIdentifier writes a fresh machine identifier at
	// layout.MachineIdentifierPath, for clone()'s "fresh machine
	// identifier" requirement.
	GenerateMachineIdentifier(layout BundleLayout) error

	// Install drives the platform installer against the bundle at root,
	// reporting fractional progress, and returns the installed build and
	// version strings on success.
	Install(ctx context.Context, root string, progress func(fraction float64)) (build, version string, err error)
}
