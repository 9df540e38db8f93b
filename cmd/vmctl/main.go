// vmctl is the CLI for the GhostVM bundle manager (spec.md §6, "CLI
// surface (informative)").
//
// Commands:
//
//	vmctl init             Create a new bundle
//	vmctl install          Run the guest installer
//	vmctl start            Start a stopped bundle (foreground)
//	vmctl resume           Resume a suspended bundle (foreground)
//	vmctl stop             Stop a running bundle
//	vmctl suspend          Suspend a running bundle
//	vmctl snapshot         Manage snapshots (create, revert, delete)
//	vmctl clone            Clone a bundle
//	vmctl rename           Rename a bundle
//	vmctl status           Show a bundle's lifecycle state
//	vmctl discard-suspend  Discard saved suspend state
//	vmctl detach-iso       Detach a Linux guest's installer ISO
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ghostvm/ghostvm/internal/bundle"
	"github.com/ghostvm/ghostvm/internal/config"
	"github.com/ghostvm/ghostvm/internal/controller"
	"github.com/ghostvm/ghostvm/internal/hypervisor"
	"github.com/ghostvm/ghostvm/internal/lock"
	"github.com/ghostvm/ghostvm/internal/session"
	"github.com/ghostvm/ghostvm/internal/vmerr"
	"github.com/ghostvm/ghostvm/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctrl := &controller.Controller{Hypervisor: hypervisor.NewFakeAdapter()}

	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit(ctrl, os.Args[2:])
	case "install":
		err = cmdInstall(ctrl, os.Args[2:])
	case "start":
		err = cmdStart(ctrl, os.Args[2:])
	case "resume":
		err = cmdResume(ctrl, os.Args[2:])
	case "stop":
		err = cmdStop(os.Args[2:])
	case "suspend":
		err = cmdSuspend(os.Args[2:])
	case "snapshot":
		err = cmdSnapshot(ctrl, os.Args[2:])
	case "clone":
		err = cmdClone(ctrl, os.Args[2:])
	case "rename":
		err = cmdRename(ctrl, os.Args[2:])
	case "status":
		err = cmdStatus(ctrl, os.Args[2:])
	case "discard-suspend":
		err = cmdDiscardSuspend(ctrl, os.Args[2:])
	case "detach-iso":
		err = cmdDetachISO(ctrl, os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("vmctl %s\n", version.Version())
		return
	case "help", "--help", "-h":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "vmctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: vmctl <command> [options] <bundle path>

Commands:
  init             --cpus N --memory-gb N --disk-gb N --guest-os macos|linux
                   [--restore-image PATH] [--installer-iso PATH]
  install          Run the guest installer, reporting progress
  start            Start a stopped bundle (blocks in the foreground)
  resume           Resume a suspended bundle (blocks in the foreground)
  stop             [--force] [--timeout SECONDS] Stop a running bundle
  suspend          Suspend a running bundle
  snapshot create  <name>
  snapshot revert  <name>
  snapshot delete  <name>
  clone            <bundle path> <destination path>
  rename           <bundle path> <new name>
  status           Show lifecycle state and stored sizes
  discard-suspend  Delete saved suspend state
  detach-iso       Detach a Linux guest's installer ISO

Exit code is 0 on success, non-zero on any VMError.`)
}

// requirePath returns the bundle path (the last positional argument) without
// removing it from args, exiting with a usage error if args is empty.
func requirePath(args []string) string {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "vmctl: missing bundle path")
		os.Exit(1)
	}
	return args[len(args)-1]
}

func cmdInit(ctrl *controller.Controller, args []string) error {
	opts := controller.InitOptions{GuestOS: hypervisor.GuestLinux}
	var cpus, memGB, diskGB int
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--cpus":
			i++
			cpus, _ = strconv.Atoi(valueAt(args, i))
		case "--memory-gb":
			i++
			memGB, _ = strconv.Atoi(valueAt(args, i))
		case "--disk-gb":
			i++
			diskGB, _ = strconv.Atoi(valueAt(args, i))
		case "--guest-os":
			i++
			if valueAt(args, i) == "macos" {
				opts.GuestOS = hypervisor.GuestMacOS
			}
		case "--restore-image":
			i++
			opts.RestoreImagePath = valueAt(args, i)
		case "--installer-iso":
			i++
			opts.InstallerISOPath = valueAt(args, i)
		}
	}
	opts.CPUs = cpus
	opts.MemoryBytes = uint64(memGB) << 30
	opts.DiskBytes = uint64(diskGB) << 30

	root := requirePath(args)
	if err := ctrl.Init(context.Background(), root, opts); err != nil {
		return err
	}
	fmt.Printf("Initialized %s\n", root)
	return nil
}

func valueAt(args []string, i int) string {
	if i < 0 || i >= len(args) {
		fmt.Fprintln(os.Stderr, "vmctl: flag requires a value")
		os.Exit(1)
	}
	return args[i]
}

func cmdInstall(ctrl *controller.Controller, args []string) error {
	root := requirePath(args)
	err := ctrl.Install(context.Background(), root, func(fraction float64, localized string) {
		fmt.Printf("\rinstalling: %s", localized)
	})
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Println("Install complete")
	return nil
}

// cmdStart acquires the CLI lock and drives a fresh session in the
// foreground until it terminates, per spec.md §4.6: the CLI process is
// the owner of record for the lifetime of the VM.
func cmdStart(ctrl *controller.Controller, args []string) error {
	root := requirePath(args)
	cfg, _, err := config.Load(root)
	if err != nil {
		return err
	}
	if cfg.IsSuspended {
		return vmerr.New(vmerr.Suspended, "bundle is suspended; use 'vmctl resume'")
	}
	return foregroundRun(ctrl, root, cfg, false)
}

// cmdResume is cmdStart's suspended-bundle counterpart.
func cmdResume(ctrl *controller.Controller, args []string) error {
	root := requirePath(args)
	cfg, _, err := config.Load(root)
	if err != nil {
		return err
	}
	if !cfg.IsSuspended {
		return vmerr.New(vmerr.NotSuspended, "bundle is not suspended")
	}
	return foregroundRun(ctrl, root, cfg, true)
}

func foregroundRun(ctrl *controller.Controller, root string, cfg *config.StoredConfig, resume bool) error {
	vmCfg := vmConfigFrom(root, cfg)

	sess, err := ctrl.MakeCLISession(root, os.Getpid(), session.Callbacks{
		StateDidChange: func(t session.Transition) {
			fmt.Printf("state: %s\n", t.State)
			if t.Err != nil {
				fmt.Fprintf(os.Stderr, "vmctl: %v\n", t.Err)
			}
		},
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		for sig := range sigCh {
			ctx := context.Background()
			switch sig {
			case syscall.SIGUSR1:
				_ = sess.Suspend(ctx, func() error {
					cfg.IsSuspended = true
					return config.Save(root, cfg)
				})
			default:
				_ = sess.RequestStop(ctx, sig == syscall.SIGTERM)
			}
		}
	}()
	defer signal.Stop(sigCh)

	ctx := context.Background()
	if resume {
		err = sess.Resume(ctx, vmCfg, true, func() error {
			cfg.IsSuspended = false
			return config.Save(root, cfg)
		})
		if err != nil {
			return err
		}
	} else {
		sess.Start(ctx, vmCfg)
	}

	<-sess.Done()
	return nil
}

func vmConfigFrom(root string, cfg *config.StoredConfig) hypervisor.VMConfig {
	layout := bundle.NewLayout(root)
	guestOS := hypervisor.GuestLinux
	if !cfg.IsLinux() {
		guestOS = hypervisor.GuestMacOS
	}
	return hypervisor.VMConfig{
		GuestOS:     guestOS,
		CPUs:        cfg.CPUs,
		MemoryBytes: cfg.MemoryBytes,
		DiskPath:    layout.DiskPath,
		Networks:    []hypervisor.NetworkInterface{{MACAddress: cfg.MACAddress}},
		Identity: hypervisor.IdentityBlobs{
			HardwareModelPath:     layout.HardwareModelPath,
			MachineIdentifierPath: layout.MachineIdentifierPath,
			AuxiliaryStoragePath:  layout.AuxiliaryStoragePath,
			NVRAMPath:             layout.NVRAMPath,
		},
	}
}

// cmdStop signals the external process recorded in the lock file: SIGTERM
// first, escalating to SIGKILL after timeout if the lock is still held.
// This is the "CLI escalates from SIGTERM to SIGKILL of an external owner"
// path spec.md §5 describes — vmctl stop runs as a separate process from
// the one that did vmctl start.
func cmdStop(args []string) error {
	force := false
	timeout := 30 * time.Second
	var root string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--force":
			force = true
		case "--timeout":
			i++
			secs, _ := strconv.Atoi(valueAt(args, i))
			timeout = time.Duration(secs) * time.Second
		default:
			root = args[i]
		}
	}
	if root == "" {
		fmt.Fprintln(os.Stderr, "vmctl: missing bundle path")
		os.Exit(1)
	}

	layout := bundle.NewLayout(root)
	owner, running := lock.Read(layout.PIDPath)
	if !running {
		fmt.Println("Not running")
		return nil
	}

	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := syscall.Kill(owner.PID, sig); err != nil {
		return fmt.Errorf("signal owner pid %d: %w", owner.PID, err)
	}
	if force {
		return nil
	}

	deadline := time.After(timeout)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			if err := syscall.Kill(owner.PID, syscall.SIGKILL); err != nil {
				return fmt.Errorf("escalate to SIGKILL pid %d: %w", owner.PID, err)
			}
			return nil
		case <-tick.C:
			if _, stillRunning := lock.Read(layout.PIDPath); !stillRunning {
				fmt.Println("Stopped")
				return nil
			}
		}
	}
}

// cmdSuspend signals the owning process with SIGUSR1, which foregroundRun's
// signal goroutine maps to session.Suspend.
func cmdSuspend(args []string) error {
	root := requirePath(args)
	layout := bundle.NewLayout(root)
	owner, running := lock.Read(layout.PIDPath)
	if !running {
		return vmerr.New(vmerr.NotRunning, "bundle is not running")
	}
	if err := syscall.Kill(owner.PID, syscall.SIGUSR1); err != nil {
		return fmt.Errorf("signal owner pid %d: %w", owner.PID, err)
	}
	fmt.Println("Suspend requested")
	return nil
}

func cmdSnapshot(ctrl *controller.Controller, args []string) error {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: vmctl snapshot {create|revert|delete} <name> <bundle path>")
		os.Exit(1)
	}
	sub, name, root := args[0], args[1], requirePath(args[2:])
	switch sub {
	case "create":
		return ctrl.SnapshotCreate(root, name)
	case "revert":
		return ctrl.SnapshotRevert(root, name)
	case "delete":
		return ctrl.SnapshotDelete(root, name)
	default:
		return vmerr.New(vmerr.InvalidValue, "unknown snapshot subcommand: "+sub)
	}
}

func cmdClone(ctrl *controller.Controller, args []string) error {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: vmctl clone <bundle path> <destination path>")
		os.Exit(1)
	}
	return ctrl.Clone(args[0], args[1])
}

func cmdRename(ctrl *controller.Controller, args []string) error {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: vmctl rename <bundle path> <new name>")
		os.Exit(1)
	}
	dest, err := ctrl.Rename(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Renamed to %s\n", dest)
	return nil
}

func cmdStatus(ctrl *controller.Controller, args []string) error {
	root := requirePath(args)
	st, err := ctrl.GetStatus(root)
	if err != nil {
		return err
	}
	state := "stopped"
	if st.Running {
		state = fmt.Sprintf("running (owner=%s pid=%d)", st.RunningOwner.Kind, st.RunningOwner.PID)
	} else if st.Suspended {
		state = "suspended"
	}
	fmt.Printf("State:  %s\n", state)
	fmt.Printf("CPUs:   %d\n", st.CPUs)
	fmt.Printf("Memory: %s\n", humanize.IBytes(st.MemoryBytes))
	fmt.Printf("Disk:   %s\n", humanize.IBytes(st.DiskBytes))
	return nil
}

func cmdDiscardSuspend(ctrl *controller.Controller, args []string) error {
	root := requirePath(args)
	return ctrl.DiscardSuspend(root)
}

func cmdDetachISO(ctrl *controller.Controller, args []string) error {
	root := requirePath(args)
	return ctrl.DetachISO(root)
}
