package hypervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// FakeAdapter is an in-memory Adapter implementation for the full §8
// property suite, per spec.md §9's "provide an in-memory test adapter"
// design note. It never touches an actual hypervisor; its only filesystem
// writes are the placeholder files RestoreFromImage and
// GenerateMachineIdentifier create.
type FakeAdapter struct {
	mu      sync.Mutex
	nextID  int
	vms     map[string]*fakeVM
	minima  Minima
	supported bool

	// FailCreate/FailStart/FailSave, when non-nil, are returned verbatim
	// by the corresponding method for injected-failure test scenarios.
	FailCreate error
	FailStart  error
	FailSave   error
}

type fakeVM struct {
	cfg       VMConfig
	delegate  Delegate
	suspended bool
}

// NewFakeAdapter constructs a supported FakeAdapter with permissive minima.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		vms:       make(map[string]*fakeVM),
		minima:    Minima{MinAllowedCPUs: 1, MinAllowedMemory: 256 * 1024 * 1024},
		supported: true,
	}
}

func (f *FakeAdapter) IsSupported() bool   { return f.supported }
func (f *FakeAdapter) QueryMinima() Minima { return f.minima }

// SetUnsupported flips IsSupported to false, for testing the Unsupported
// error path.
func (f *FakeAdapter) SetUnsupported() { f.supported = false }

func (f *FakeAdapter) CreateVM(ctx context.Context, cfg VMConfig) (Handle, error) {
	if f.FailCreate != nil {
		return Handle{}, f.FailCreate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("fake-vm-%d", f.nextID)
	f.vms[id] = &fakeVM{cfg: cfg}
	return Handle{ID: id}, nil
}

func (f *FakeAdapter) StartVM(ctx context.Context, h Handle, delegate Delegate) error {
	if f.FailStart != nil {
		return f.FailStart
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[h.ID]
	if !ok {
		return fmt.Errorf("fake adapter: unknown handle %s", h.ID)
	}
	vm.delegate = delegate
	return nil
}

func (f *FakeAdapter) RequestStop(ctx context.Context, h Handle) error {
	f.mu.Lock()
	vm, ok := f.vms[h.ID]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("fake adapter: unknown handle %s", h.ID)
	}
	if vm.delegate != nil {
		vm.delegate.GuestDidStop(h)
	}
	return nil
}

func (f *FakeAdapter) Stop(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vms, h.ID)
	return nil
}

func (f *FakeAdapter) Pause(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vms[h.ID]; !ok {
		return fmt.Errorf("fake adapter: unknown handle %s", h.ID)
	}
	return nil
}

func (f *FakeAdapter) Resume(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vms[h.ID]; !ok {
		return fmt.Errorf("fake adapter: unknown handle %s", h.ID)
	}
	return nil
}

func (f *FakeAdapter) SaveState(ctx context.Context, h Handle, path string) error {
	if f.FailSave != nil {
		return f.FailSave
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[h.ID]
	if !ok {
		return fmt.Errorf("fake adapter: unknown handle %s", h.ID)
	}
	vm.suspended = true
	return nil
}

func (f *FakeAdapter) RestoreState(ctx context.Context, h Handle, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[h.ID]
	if !ok {
		return fmt.Errorf("fake adapter: unknown handle %s", h.ID)
	}
	vm.suspended = false
	return nil
}

// RestoreFromImage writes placeholder identity blobs at the layout paths,
// simulating the real adapter's restore-image materialization step
// without touching an actual restore image.
func (f *FakeAdapter) RestoreFromImage(ctx context.Context, imagePath string, layout BundleLayout) error {
	for _, p := range []string{layout.HardwareModelPath, layout.MachineIdentifierPath, layout.AuxiliaryStoragePath} {
		if err := writePlaceholder(p); err != nil {
			return err
		}
	}
	return nil
}

// GenerateMachineIdentifier writes a placeholder machine identifier blob.
func (f *FakeAdapter) GenerateMachineIdentifier(layout BundleLayout) error {
	return writePlaceholder(layout.MachineIdentifierPath)
}

// Install simulates a two-step install progressing straight to 100%.
func (f *FakeAdapter) Install(ctx context.Context, root string, progress func(fraction float64)) (string, string, error) {
	if progress != nil {
		progress(0.5)
		progress(1.0)
	}
	return "fake-build", "1.0.0", nil
}

func writePlaceholder(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte("fake-adapter-placeholder"), 0o644)
}

// SimulateCrash invokes the registered delegate's DidStopWithError, for
// tests that exercise the unexpected-termination path.
func (f *FakeAdapter) SimulateCrash(h Handle, cause error) {
	f.mu.Lock()
	vm, ok := f.vms[h.ID]
	f.mu.Unlock()
	if ok && vm.delegate != nil {
		vm.delegate.DidStopWithError(h, cause)
	}
}
