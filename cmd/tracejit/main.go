package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tangzhangming/tracejit/internal/bytecode"
	"github.com/tangzhangming/tracejit/internal/jit"
	"github.com/tangzhangming/tracejit/internal/vm"
)

var (
	useJIT     = flag.Bool("jit", true, "Compile hot loops into traces")
	configPath = flag.String("config", "", "JIT configuration file (TOML)")
	backend    = flag.String("backend", "", "Code generator backend: virtual or x64")
	logLevel   = flag.String("log", "", "JIT log level: off, debug, info, warn, error")
	showStats  = flag.Bool("stats", false, "Print a JIT summary to stderr")
	statsJSON  = flag.Bool("json", false, "Print JIT statistics as JSON to stderr")
	dumpTraces = flag.Bool("dump", false, "Dump IR, exits and code of every fragment")
	disasm     = flag.Bool("disasm", false, "Show bytecode and exit")
	output     = flag.String("o", "", "Write the compiled program to a .tjc file and exit")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("tracejit - bytecode interpreter with a trace-compiling JIT")
		fmt.Println()
		fmt.Println("Usage: tracejit [options] <program.tja|program.tjc>")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if err := run(flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(filename string) (err error) {
	program, err := bytecode.LoadFile(filename)
	if err != nil {
		return err
	}

	// 显示字节码
	if *disasm {
		fmt.Print(program.Disassemble())
		return nil
	}

	// 只编译
	if *output != "" {
		return bytecode.WriteFile(*output, program)
	}

	var opts []vm.Option
	var mon *jit.Monitor
	if *useJIT {
		mon, err = newMonitor()
		if err != nil {
			return err
		}
		defer closeInto(mon, &err)
		opts = append(opts, vm.WithMonitor(mon), vm.WithLogger(mon.Logger()))
	}

	machine := vm.New(opts...)
	start := time.Now()
	result, err := machine.Run(program)
	elapsed := time.Since(start)
	if err != nil {
		return err
	}
	if !result.IsNull() {
		fmt.Println(result.Repr())
	}

	if *showStats {
		printSummary(os.Stderr, machine.Stats(), mon, elapsed)
	}
	if mon == nil {
		return nil
	}
	if *statsJSON {
		if err := mon.WriteStats(os.Stderr); err != nil {
			return err
		}
	}
	if *dumpTraces {
		for _, f := range mon.Cache().Fragments() {
			fmt.Fprintln(os.Stderr, mon.DumpFragment(f))
		}
	}
	return nil
}

// newMonitor 按配置文件与命令行参数创建监视器
func newMonitor() (*jit.Monitor, error) {
	cfg := jit.DefaultConfig()
	if *configPath != "" {
		loaded, err := jit.LoadConfig(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	return jit.NewMonitor(cfg)
}

func printSummary(w io.Writer, vs vm.VMStats, mon *jit.Monitor, elapsed time.Duration) {
	fmt.Fprintf(w, "time:          %s\n", elapsed)
	fmt.Fprintf(w, "interpreted:   %s instructions\n", humanize.Comma(int64(vs.InstructionsExecuted)))
	fmt.Fprintf(w, "loop edges:    %s\n", humanize.Comma(int64(vs.LoopEdges)))
	if mon == nil {
		return
	}
	st := mon.Stats()
	fmt.Fprintf(w, "backend:       %s\n", st.Backend)
	fmt.Fprintf(w, "fragments:     %d (%d root, %d peer, %d branch)\n",
		st.Fragments, st.RootsCompiled, st.PeersCompiled, st.BranchesCompiled)
	fmt.Fprintf(w, "recordings:    %d started, %d committed, %d aborted\n",
		st.RecordingsStart, st.RecordingsCommit, st.RecordingsAbort)
	printCounts(w, st.AbortsByReason)
	fmt.Fprintf(w, "trace runs:    %s, side exits %s\n",
		humanize.Comma(int64(vs.FragmentRuns)), humanize.Comma(st.SideExits))
	printCounts(w, st.ExitsByKind)
	fmt.Fprintf(w, "code:          %s in %d/%d pages of %s\n",
		humanize.Bytes(uint64(st.CodeBytes)), st.Code.Pages-st.Code.FreePages, st.Code.Pages,
		humanize.IBytes(uint64(st.Code.PageSize)))
}

// closeInto 关闭 c，关闭错误在没有更早的错误时作为返回值
func closeInto(c io.Closer, err *error) {
	if cerr := c.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}

// printCounts 按名字排序输出计数
func printCounts(w io.Writer, counts map[string]int64) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-28s %d\n", name, counts[name])
	}
}
