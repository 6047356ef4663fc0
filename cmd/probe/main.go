package main

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-probe/probe/pkg/arch"
	"github.com/go-probe/probe/pkg/config"
	"github.com/go-probe/probe/pkg/logflags"
	"github.com/go-probe/probe/pkg/machine"
	"github.com/go-probe/probe/pkg/mem"
	"github.com/go-probe/probe/pkg/probe"
	"github.com/go-probe/probe/pkg/version"
)

var (
	numCPU           int
	loops            int
	logFlag          bool
	logOutput        string
	disableBoost     bool
	disableOptimizer bool
)

const (
	imageBase = 0x400000
	imageSize = 1 << 20
	poolOff   = 1 << 19
)

func main() {
	rootCommand := &cobra.Command{
		Use:   "probe",
		Short: "probe exercises the breakpoint instrumentation engine on a simulated machine.",
	}
	rootCommand.PersistentFlags().BoolVarP(&logFlag, "log", "", false, "Enable engine logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of layers to log (patcher,dispatch,registry,optimizer,machine).")

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("probe %s\n%s\n", version.EngineVersion, version.BuildInfo())
		},
	}
	// The log flags parse on every command but only matter to run; keep
	// them out of version's help.
	helpFunc := versionCommand.HelpFunc()
	versionCommand.SetHelpFunc(func(c *cobra.Command, args []string) {
		c.InheritedFlags().VisitAll(func(flag *pflag.Flag) {
			flag.Hidden = true
		})
		helpFunc(c, args)
	})
	rootCommand.AddCommand(versionCommand)

	runCommand := &cobra.Command{
		Use:   "run",
		Short: "Run a multi-CPU soak over an instrumented synthetic program.",
		Long: `Builds a synthetic program in a simulated text image, registers probes
on it, runs every simulated CPU over it concurrently, and prints the
engine's diagnostics snapshot. Useful as a smoke test and as a
demonstration of the patch protocol under concurrent execution.`,
		Run: run,
	}
	runCommand.Flags().IntVarP(&numCPU, "cpus", "c", 4, "Number of simulated CPUs.")
	runCommand.Flags().IntVarP(&loops, "loops", "n", 10000, "Program iterations per CPU.")
	runCommand.Flags().BoolVarP(&disableBoost, "disable-boost", "", false, "Force single-stepping instead of boosted resume.")
	runCommand.Flags().BoolVarP(&disableOptimizer, "disable-optimizer", "", false, "Disable the background jump optimizer.")
	rootCommand.AddCommand(runCommand)

	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) {
	if err := logflags.Setup(logFlag, logOutput, os.Stderr); err != nil {
		fatal(err)
	}
	conf := config.LoadConfig()
	poolSize := config.SlotPoolBytesDefault
	if conf.SlotPoolBytes != nil {
		poolSize = *conf.SlotPoolBytes
	}
	optimizeInterval := config.OptimizeIntervalMsDefault * time.Millisecond
	if conf.OptimizeIntervalMs != nil {
		optimizeInterval = time.Duration(*conf.OptimizeIntervalMs) * time.Millisecond
	}

	img, err := mem.NewImage(imageBase, imageSize)
	if err != nil {
		fatal(err)
	}
	defer img.Close()

	asm := machine.NewAssembler(imageBase)
	asm.Func("work")
	target1 := asm.Nop5()
	asm.Nop()
	target2 := asm.MovEAX(42)
	asm.Nop()
	target3 := asm.Nop()
	asm.Ret()
	if err := asm.LoadInto(img); err != nil {
		fatal(err)
	}
	entry := imageBase

	a := arch.AMD64Arch()
	m := machine.New(img, a, numCPU)
	eng, err := probe.New(probe.Options{
		Image:            img,
		Arch:             a,
		Barrier:          m,
		Quiescer:         m,
		NumCPU:           numCPU,
		PoolAddr:         imageBase + poolOff,
		PoolSize:         poolSize,
		Symbols:          asm.Symbols(),
		DenySymbols:      conf.DenySymbols,
		DisableBoost:     disableBoost || conf.DisableBoost,
		DisableOptimizer: disableOptimizer || conf.DisableOptimizer,
		OptimizeInterval: optimizeInterval,
	})
	if err != nil {
		fatal(err)
	}
	defer eng.Close()
	m.SetTrapHandler(func(cpu int, ctx arch.Context) bool {
		return eng.Trap(cpu, ctx) == probe.Handled
	})
	m.SetCalloutHandler(eng.Callout)

	var hits1, hits2, hits3 atomic.Uint64
	count := func(n *atomic.Uint64) probe.PreHandler {
		return func(ctx arch.Context, addr uint64) probe.Action {
			n.Add(1)
			return probe.Resume
		}
	}
	if _, err := eng.Register(target1, count(&hits1), nil); err != nil {
		fatal(err)
	}
	if _, err := eng.Register(target2, count(&hits2), nil); err != nil {
		fatal(err)
	}
	if _, err := eng.Register(target3, count(&hits3), func(ctx arch.Context, addr uint64) {}); err != nil {
		fatal(err)
	}

	start := time.Now()
	for cpu := 0; cpu < numCPU; cpu++ {
		m.RunCPU(cpu, uint64(entry), loops)
	}
	if err := m.Wait(); err != nil {
		fatal(err)
	}
	elapsed := time.Since(start)

	fmt.Printf("%d CPUs, %d iterations, %d instructions in %v\n",
		numCPU, loops, m.Instructions(), elapsed)
	fmt.Printf("handler hits: %d %d %d\n", hits1.Load(), hits2.Load(), hits3.Load())
	fmt.Println()
	fmt.Printf("%-10s %-8s %-9s %-8s %-5s %8s %8s\n", "ADDR", "STATE", "POLICY", "OPT", "REGS", "HITS", "MISSED")
	for _, info := range eng.Snapshot() {
		fmt.Printf("%#-10x %-8s %-9s %-8v %-5d %8d %8d\n",
			info.Addr, info.State, info.Policy, info.Optimized, info.Registrations,
			info.HitCount, info.MissCount)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
