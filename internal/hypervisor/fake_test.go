package hypervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type recordingDelegate struct {
	stopped   []Handle
	errStops  []Handle
	lastError error
}

func (d *recordingDelegate) GuestDidStop(h Handle)            { d.stopped = append(d.stopped, h) }
func (d *recordingDelegate) DidStopWithError(h Handle, err error) {
	d.errStops = append(d.errStops, h)
	d.lastError = err
}

func TestFakeAdapter_IsSupportedDefaultsTrue(t *testing.T) {
	f := NewFakeAdapter()
	if !f.IsSupported() {
		t.Error("NewFakeAdapter() should default to supported")
	}
	f.SetUnsupported()
	if f.IsSupported() {
		t.Error("SetUnsupported() did not flip IsSupported()")
	}
}

func TestFakeAdapter_CreateVM_AssignsDistinctHandles(t *testing.T) {
	f := NewFakeAdapter()
	h1, err := f.CreateVM(context.Background(), VMConfig{GuestOS: GuestLinux})
	if err != nil {
		t.Fatalf("CreateVM() = %v", err)
	}
	h2, err := f.CreateVM(context.Background(), VMConfig{GuestOS: GuestLinux})
	if err != nil {
		t.Fatalf("CreateVM() second = %v", err)
	}
	if h1.ID == h2.ID {
		t.Errorf("CreateVM() returned the same handle twice: %s", h1.ID)
	}
}

func TestFakeAdapter_CreateVM_FailCreateInjection(t *testing.T) {
	f := NewFakeAdapter()
	f.FailCreate = errors.New("injected create failure")
	_, err := f.CreateVM(context.Background(), VMConfig{})
	if err != f.FailCreate {
		t.Errorf("CreateVM() err = %v, want the injected FailCreate", err)
	}
}

func TestFakeAdapter_StartVM_UnknownHandle(t *testing.T) {
	f := NewFakeAdapter()
	if err := f.StartVM(context.Background(), Handle{ID: "nope"}, &recordingDelegate{}); err == nil {
		t.Error("StartVM() of an unknown handle should error")
	}
}

func TestFakeAdapter_StartVM_FailStartInjection(t *testing.T) {
	f := NewFakeAdapter()
	h, _ := f.CreateVM(context.Background(), VMConfig{})
	f.FailStart = errors.New("injected start failure")
	if err := f.StartVM(context.Background(), h, &recordingDelegate{}); err != f.FailStart {
		t.Errorf("StartVM() err = %v, want the injected FailStart", err)
	}
}

func TestFakeAdapter_RequestStop_InvokesDelegate(t *testing.T) {
	f := NewFakeAdapter()
	h, _ := f.CreateVM(context.Background(), VMConfig{})
	d := &recordingDelegate{}
	if err := f.StartVM(context.Background(), h, d); err != nil {
		t.Fatalf("StartVM() = %v", err)
	}
	if err := f.RequestStop(context.Background(), h); err != nil {
		t.Fatalf("RequestStop() = %v", err)
	}
	if len(d.stopped) != 1 || d.stopped[0] != h {
		t.Errorf("delegate.GuestDidStop was not invoked with %v: got %v", h, d.stopped)
	}
}

func TestFakeAdapter_RequestStop_UnknownHandle(t *testing.T) {
	f := NewFakeAdapter()
	if err := f.RequestStop(context.Background(), Handle{ID: "ghost"}); err == nil {
		t.Error("RequestStop() of an unknown handle should error")
	}
}

func TestFakeAdapter_Stop_RemovesVM(t *testing.T) {
	f := NewFakeAdapter()
	h, _ := f.CreateVM(context.Background(), VMConfig{})
	if err := f.Stop(context.Background(), h); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	// A second operation against the now-removed handle should fail.
	if err := f.Pause(context.Background(), h); err == nil {
		t.Error("Pause() after Stop() should error on the removed handle")
	}
}

func TestFakeAdapter_PauseResume_UnknownHandle(t *testing.T) {
	f := NewFakeAdapter()
	if err := f.Pause(context.Background(), Handle{ID: "ghost"}); err == nil {
		t.Error("Pause() of an unknown handle should error")
	}
	if err := f.Resume(context.Background(), Handle{ID: "ghost"}); err == nil {
		t.Error("Resume() of an unknown handle should error")
	}
}

func TestFakeAdapter_SaveAndRestoreState_RoundTrip(t *testing.T) {
	f := NewFakeAdapter()
	h, _ := f.CreateVM(context.Background(), VMConfig{})
	if err := f.SaveState(context.Background(), h, "/tmp/suspend.vzvmsave"); err != nil {
		t.Fatalf("SaveState() = %v", err)
	}
	if err := f.RestoreState(context.Background(), h, "/tmp/suspend.vzvmsave"); err != nil {
		t.Fatalf("RestoreState() = %v", err)
	}
}

func TestFakeAdapter_SaveState_FailSaveInjection(t *testing.T) {
	f := NewFakeAdapter()
	h, _ := f.CreateVM(context.Background(), VMConfig{})
	f.FailSave = errors.New("injected save failure")
	if err := f.SaveState(context.Background(), h, "/tmp/x"); err != f.FailSave {
		t.Errorf("SaveState() err = %v, want the injected FailSave", err)
	}
}

func TestFakeAdapter_RestoreFromImage_WritesPlaceholders(t *testing.T) {
	f := NewFakeAdapter()
	dir := t.TempDir()
	layout := BundleLayout{
		HardwareModelPath:     filepath.Join(dir, "HardwareModel"),
		MachineIdentifierPath: filepath.Join(dir, "MachineIdentifier"),
		AuxiliaryStoragePath:  filepath.Join(dir, "AuxiliaryStorage"),
	}
	if err := f.RestoreFromImage(context.Background(), "/tmp/restore.ipsw", layout); err != nil {
		t.Fatalf("RestoreFromImage() = %v", err)
	}
	for _, p := range []string{layout.HardwareModelPath, layout.MachineIdentifierPath, layout.AuxiliaryStoragePath} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected placeholder at %s: %v", p, err)
		}
	}
}

func TestFakeAdapter_GenerateMachineIdentifier_WritesFile(t *testing.T) {
	f := NewFakeAdapter()
	dir := t.TempDir()
	path := filepath.Join(dir, "MachineIdentifier")
	if err := f.GenerateMachineIdentifier(BundleLayout{MachineIdentifierPath: path}); err != nil {
		t.Fatalf("GenerateMachineIdentifier() = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected a machine identifier file at %s: %v", path, err)
	}
}

func TestFakeAdapter_Install_ReportsProgressToCompletion(t *testing.T) {
	f := NewFakeAdapter()
	var fractions []float64
	build, version, err := f.Install(context.Background(), t.TempDir(), func(fraction float64) {
		fractions = append(fractions, fraction)
	})
	if err != nil {
		t.Fatalf("Install() = %v", err)
	}
	if build == "" || version == "" {
		t.Error("Install() returned an empty build or version on success")
	}
	if len(fractions) == 0 || fractions[len(fractions)-1] != 1.0 {
		t.Errorf("Install() progress callback = %v, want it to finish at 1.0", fractions)
	}
}

func TestFakeAdapter_SimulateCrash_InvokesDidStopWithError(t *testing.T) {
	f := NewFakeAdapter()
	h, _ := f.CreateVM(context.Background(), VMConfig{})
	d := &recordingDelegate{}
	if err := f.StartVM(context.Background(), h, d); err != nil {
		t.Fatalf("StartVM() = %v", err)
	}

	cause := errors.New("guest crashed")
	f.SimulateCrash(h, cause)

	if len(d.errStops) != 1 || d.errStops[0] != h {
		t.Fatalf("delegate.DidStopWithError was not invoked with %v: got %v", h, d.errStops)
	}
	if d.lastError != cause {
		t.Errorf("DidStopWithError cause = %v, want %v", d.lastError, cause)
	}
}

func TestFakeAdapter_SimulateCrash_NoDelegateIsNoOp(t *testing.T) {
	f := NewFakeAdapter()
	h, _ := f.CreateVM(context.Background(), VMConfig{})
	// No StartVM call, so no delegate registered; this must not panic.
	f.SimulateCrash(h, errors.New("ignored"))
}

func TestHandle_String(t *testing.T) {
	h := Handle{ID: "fake-vm-7"}
	if h.String() != "fake-vm-7" {
		t.Errorf("String() = %q, want %q", h.String(), "fake-vm-7")
	}
}
