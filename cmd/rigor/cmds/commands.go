// Package cmds implements the rigor command line interface.
package cmds

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rigor-forensics/rigor/pkg/config"
	"github.com/rigor-forensics/rigor/pkg/dump"
	"github.com/rigor-forensics/rigor/pkg/logflags"
	"github.com/rigor-forensics/rigor/pkg/paging"
	"github.com/rigor-forensics/rigor/pkg/plugins"
	"github.com/rigor-forensics/rigor/pkg/scan"
	"github.com/rigor-forensics/rigor/pkg/scan/starbind"
	"github.com/rigor-forensics/rigor/pkg/terminal"
	"github.com/rigor-forensics/rigor/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// layoutPath is the path to a run layout sidecar describing the dump.
	layoutPath string
	// dtbFlag is the directory table base used for address translation.
	dtbFlag hexValue
	// modeFlag is the paging mode used for address translation.
	modeFlag string
	// pluginsFlag selects the plugins to run.
	pluginsFlag []string
	// parallelFlag bounds the number of plugins scanning concurrently.
	parallelFlag int
	// scriptDirs are extra directories searched for starlark plugins.
	scriptDirs []string
	// patternFlag restricts extract-modules to matching module file names.
	patternFlag string
	// outDir is where extract-modules writes carved images.
	outDir string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const rigorLongDesc = `Rigor is a memory dump analysis toolkit.

It opens raw physical memory dumps, translates virtual addresses through
x86 page tables and runs carving plugins (strings, PE images, processes,
code) over the dump. Plugins can also be written as Starlark scripts.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:   "rigor",
		Short: "Rigor analyzes physical memory dumps.",
		Long:  rigorLongDesc,
	}
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (image, paging, scan, plugin, starlark).")
	rootCommand.PersistentFlags().StringVar(&layoutPath, "layout", "", "Run layout sidecar file (defaults to <dump>.layout when present).")

	infoCommand := &cobra.Command{
		Use:   "info <dump>",
		Short: "Prints the physical run table of a dump.",
		Args:  cobra.ExactArgs(1),
		RunE:  infoCmd,
	}
	rootCommand.AddCommand(infoCommand)

	translateCommand := &cobra.Command{
		Use:   "translate <dump> <vaddr>",
		Short: "Translates a virtual address to a physical one.",
		Args:  cobra.ExactArgs(2),
		RunE:  translateCmd,
	}
	translateCommand.Flags().Var(&dtbFlag, "dtb", "Directory table base (hex or decimal). Required.")
	translateCommand.Flags().StringVar(&modeFlag, "mode", "amd64", "Paging mode: amd64, pae or x86.")
	translateCommand.MarkFlagRequired("dtb")
	rootCommand.AddCommand(translateCommand)

	scanCommand := &cobra.Command{
		Use:   "scan <dump>",
		Short: "Runs plugins against a dump and prints their findings.",
		Args:  cobra.ExactArgs(1),
		RunE:  scanCmd,
	}
	scanCommand.Flags().StringSliceVar(&pluginsFlag, "plugins", nil, "Plugins to run (default: config, then all).")
	scanCommand.Flags().IntVar(&parallelFlag, "parallel", 0, "Number of plugins scanning concurrently (0: one per CPU).")
	scanCommand.Flags().StringSliceVar(&scriptDirs, "scripts", nil, "Extra directories searched for starlark plugins.")
	rootCommand.AddCommand(scanCommand)

	pluginsCommand := &cobra.Command{
		Use:   "plugins",
		Short: "Lists the available plugins.",
		Args:  cobra.NoArgs,
		RunE:  pluginsCmd,
	}
	pluginsCommand.Flags().StringSliceVar(&scriptDirs, "scripts", nil, "Extra directories searched for starlark plugins.")
	rootCommand.AddCommand(pluginsCommand)

	extractCommand := &cobra.Command{
		Use:   "extract-modules <dump>",
		Short: "Carves PE images out of a dump into a directory.",
		Args:  cobra.ExactArgs(1),
		RunE:  extractCmd,
	}
	extractCommand.Flags().StringVarP(&outDir, "out", "o", "modules", "Output directory.")
	extractCommand.Flags().StringVar(&patternFlag, "pattern", "", "Only extract module file names matching this glob.")
	rootCommand.AddCommand(extractCommand)

	shellCommand := &cobra.Command{
		Use:   "shell <dump>",
		Short: "Opens an interactive shell on a dump.",
		Args:  cobra.ExactArgs(1),
		RunE:  shellCmd,
	}
	shellCommand.Flags().StringSliceVar(&scriptDirs, "scripts", nil, "Extra directories searched for starlark plugins.")
	rootCommand.AddCommand(shellCommand)

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rigor %s\n%s\n", version.RigorVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

// setup initializes logging and opens the dump named by the first argument.
func setup(args []string) (*dump.Image, error) {
	if err := logflags.Setup(log, logOutput); err != nil {
		return nil, err
	}
	img, err := dump.Open(args[0], layoutPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %v", args[0], err)
	}
	return img, nil
}

// buildRegistry registers the built-in plugins and loads starlark scripts
// from the configured and flag-given directories. Script load failures are
// reported but do not prevent startup.
func buildRegistry() (*scan.Registry, error) {
	r := scan.NewRegistry()
	if err := plugins.RegisterBuiltins(r, conf); err != nil {
		return nil, err
	}
	dirs := append(append([]string{}, conf.ScriptDirs...), scriptDirs...)
	for _, dir := range dirs {
		if err := starbind.LoadDir(r, dir); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	return r, nil
}

func infoCmd(cmd *cobra.Command, args []string) error {
	img, err := setup(args)
	if err != nil {
		return err
	}
	defer img.Close()

	fmt.Printf("File size:     %#x\n", img.Size())
	fmt.Printf("Physical size: %#x\n", img.PhysicalSize())
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "Start\tEnd\tLength\tFile offset\n")
	for _, run := range img.Runs() {
		fmt.Fprintf(w, "%#x\t%#x\t%#x\t%#x\n", run.PhysStart, run.PhysStart+run.Length, run.Length, run.FileOff)
	}
	return w.Flush()
}

func translateCmd(cmd *cobra.Command, args []string) error {
	img, err := setup(args)
	if err != nil {
		return err
	}
	defer img.Close()

	vaddr, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	mode, err := paging.ModeByName(modeFlag)
	if err != nil {
		return err
	}
	pa, err := paging.Translate(img, paging.Context{DTB: dtbFlag.n, Mode: mode}, vaddr)
	if err != nil {
		return err
	}
	fmt.Printf("%#x -> %#x (%s, dtb %#x)\n", vaddr, pa, mode, dtbFlag.n)
	return nil
}

func scanCmd(cmd *cobra.Command, args []string) error {
	img, err := setup(args)
	if err != nil {
		return err
	}
	defer img.Close()

	registry, err := buildRegistry()
	if err != nil {
		return err
	}

	names := pluginsFlag
	if len(names) == 0 {
		names = conf.Plugins
	}
	parallel := parallelFlag
	if parallel == 0 {
		parallel = conf.Parallel
	}

	ctx, stop := signalContext()
	defer stop()

	engine := scan.NewEngine(registry)
	report, err := engine.Run(ctx, img, names, scan.Options{
		Parallel: parallel,
		Progress: newProgressPrinter().update,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "PLUGIN\tKIND\tADDR\tCONF\tDESCRIPTION\n")
	for i := range report.Findings {
		f := &report.Findings[i]
		fmt.Fprintf(w, "%s\t%s\t%s:%#x\t%d%%\t%s\n",
			f.Plugin, f.Kind, f.Space, f.Addr, f.Confidence, f.Description)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	statusNames := make([]string, 0, len(report.Status))
	for name := range report.Status {
		statusNames = append(statusNames, name)
	}
	sort.Strings(statusNames)
	failed := false
	for _, name := range statusNames {
		st := report.Status[name]
		if st.Status == scan.Failed {
			failed = true
			fmt.Fprintf(os.Stderr, "%s: %s: %v\n", name, st.Status, st.Err)
		} else {
			fmt.Fprintf(os.Stderr, "%s: %s\n", name, st.Status)
		}
	}
	fmt.Fprintf(os.Stderr, "%d findings\n", len(report.Findings))
	if failed {
		return fmt.Errorf("one or more plugins failed")
	}
	return nil
}

func pluginsCmd(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput); err != nil {
		return err
	}
	registry, err := buildRegistry()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	for _, name := range registry.Names() {
		p, _ := registry.Lookup(name)
		fmt.Fprintf(w, "%s\t%s\n", name, p.Description())
	}
	return w.Flush()
}

func extractCmd(cmd *cobra.Command, args []string) error {
	img, err := setup(args)
	if err != nil {
		return err
	}
	defer img.Close()

	ctx, stop := signalContext()
	defer stop()

	mods, err := plugins.ExtractModules(ctx, img, outDir, patternFlag)
	for _, mod := range mods {
		fmt.Printf("%s\t%s\t%#x bytes\n", mod.Path, mod.Arch, mod.Size)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%d modules extracted\n", len(mods))
	return nil
}

func shellCmd(cmd *cobra.Command, args []string) error {
	img, err := setup(args)
	if err != nil {
		return err
	}
	defer img.Close()

	registry, err := buildRegistry()
	if err != nil {
		return err
	}
	t := terminal.New(img, registry, conf)
	return t.Run()
}

// signalContext returns a context cancelled by the first SIGINT, so a
// long scan can be interrupted and still report partial findings.
func signalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}

// hexValue is a pflag.Value holding an address, accepting decimal,
// 0x-prefixed hex and bare hex.
type hexValue struct {
	n uint64
}

var _ pflag.Value = (*hexValue)(nil)

func (v *hexValue) String() string { return fmt.Sprintf("%#x", v.n) }

func (v *hexValue) Type() string { return "address" }

func (v *hexValue) Set(s string) error {
	n, err := parseAddr(s)
	if err != nil {
		return err
	}
	v.n = n
	return nil
}

// parseAddr accepts decimal, 0x-prefixed hex and bare hex.
func parseAddr(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err == nil {
		return n, nil
	}
	n, err2 := strconv.ParseUint(s, 16, 64)
	if err2 == nil {
		return n, nil
	}
	return 0, fmt.Errorf("invalid address %q: %v", s, err)
}

// progressPrinter writes one line per decile per plugin to stderr, which
// stays readable when several plugins report concurrently.
type progressPrinter struct {
	mu   sync.Mutex
	last map[string]int
}

func newProgressPrinter() *progressPrinter {
	return &progressPrinter{last: make(map[string]int)}
}

func (pp *progressPrinter) update(plugin string, done, total uint64) {
	if total == 0 {
		return
	}
	decile := int(done * 10 / total)
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if decile <= pp.last[plugin] {
		return
	}
	pp.last[plugin] = decile
	fmt.Fprintf(os.Stderr, "%s: %d%%\n", plugin, decile*10)
}
