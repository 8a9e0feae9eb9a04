// Command wwos boots a KernelState against the driverio simulation
// harness and drives the trap loop until the init task and everything
// it forked have exited, or until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/containerd/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/wayhoww/wwos/arch"
	"github.com/wayhoww/wwos/fs"
	"github.com/wayhoww/wwos/kstate"
	"github.com/wayhoww/wwos/wpath"
)

var v = viper.New()

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wwos [init-path]",
		Short: "Boot the wwos kernel simulation against a memdisk image",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runBoot,
	}

	flags := pflag.NewFlagSet("wwos", pflag.ContinueOnError)
	flags.String("memdisk", "", "path to a pre-built filesystem image (mkwwfs output); empty formats a fresh one")
	flags.Uint64("physmem", 64<<20, "simulated physical RAM in bytes")
	flags.Uint64("heap", 4<<20, "kernel heap size in bytes")
	cmd.Flags().AddFlagSet(flags)
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		panic(err)
	}
	v.SetEnvPrefix("wwos")
	v.AutomaticEnv()

	return cmd
}

func runBoot(cmd *cobra.Command, args []string) error {
	initPath := "/bin/init"
	if len(args) == 1 {
		initPath = args[0]
	}

	var memdisk []byte
	if p := v.GetString("memdisk"); p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("wwos: reading memdisk: %w", err)
		}
		memdisk = data
	}

	cfg := kstate.Config{
		PhysMemBytes:    v.GetUint64("physmem"),
		KernelHeapBytes: v.GetUint64("heap"),
		Memdisk:         memdisk,
		FSMeta: fs.Meta{
			BlockSize:  4096,
			BlockCount: 4096,
			InodeCount: 1024,
		},
	}

	k := kstate.Boot(cfg)

	path, ok := wpath.New(initPath)
	if !ok {
		return fmt.Errorf("wwos: %q is not an absolute path", initPath)
	}
	initTask, err := k.Proc.Create(path, nil)
	if err != nil {
		return fmt.Errorf("wwos: spawning init: %w", err)
	}
	log.G(cmd.Context()).WithField("pid", initTask.ID).Info("wwos: init task created")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, haltRun := context.WithCancel(gctx)
	defer haltRun()
	g.Go(func() error { return k.Timer.Run(runCtx) })
	g.Go(func() error {
		defer haltRun()
		return runLoop(runCtx, k)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// runLoop drives one trap-entry cycle per timer tick until the context is
// cancelled or the scheduler has nothing left to run, mirroring the
// "run to completion, then context-switch" loop spec §9 describes for the
// boot harness rather than for any single trap handler.
func runLoop(ctx context.Context, k *kstate.KernelState) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.Timer.Ticks():
			current, ok := k.Proc.Sched.Executing()
			if !ok {
				return nil
			}
			t, ok := k.Proc.Task(uint64(current))
			if !ok {
				return nil
			}
			k.Trap.OnEntry(t, t.Frame)
			k.Trap.Dispatch(t.ID, arch.ECIRQ, true)
			if _, ok := k.Proc.Sched.Executing(); !ok {
				log.G(ctx).Info("wwos: scheduler idle, halting")
				return nil
			}
		}
	}
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
