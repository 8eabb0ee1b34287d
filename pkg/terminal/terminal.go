// Package terminal implements the interactive shell: a line-edited prompt
// over an open memory image with commands for reading, translating and
// scanning.
package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"
	"github.com/mattn/go-isatty"

	"github.com/rigor-forensics/rigor/pkg/config"
	"github.com/rigor-forensics/rigor/pkg/dump"
	"github.com/rigor-forensics/rigor/pkg/paging"
	"github.com/rigor-forensics/rigor/pkg/scan"
)

const (
	historyFile                 string = "history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed    = 31
	ansiGreen  = 32
	ansiYellow = 33
	ansiBlue   = 34
	ansiCyan   = 36
)

// Term represents the terminal running rigor against one open image.
type Term struct {
	img      *dump.Image
	registry *scan.Registry
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     []command
	names    *trie.Trie
	dumb     bool
	stdout   io.Writer

	// pctx is the paging context used by vread and translate; zero until
	// the dtb command sets it.
	pctx     paging.Context
	havePctx bool

	// cancelMu guards the cancel function of the currently running scan,
	// which the SIGINT handler fires.
	cancelMu   sync.Mutex
	cancelScan context.CancelFunc
}

// New returns a new Term over img. The registry is frozen on first scan.
func New(img *dump.Image, registry *scan.Registry, conf *config.Config) *Term {
	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd())
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
	}

	t := &Term{
		img:      img,
		registry: registry,
		conf:     conf,
		prompt:   "(rigor) ",
		line:     liner.NewLiner(),
		dumb:     dumb,
		stdout:   w,
	}
	t.cmds = shellCommands(t)
	t.names = trie.New()
	for _, cmd := range t.cmds {
		for _, alias := range cmd.aliases {
			t.names.Add(alias, nil)
		}
	}
	return t
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

// sigintGuard cancels the scan in flight, if any. With no scan running the
// signal is ignored; use exit to leave the shell.
func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		t.cancelMu.Lock()
		cancel := t.cancelScan
		t.cancelMu.Unlock()
		if cancel != nil {
			fmt.Fprintln(t.stdout, "cancelling scan...")
			cancel()
		}
	}
}

// scanContext returns a context cancelled by SIGINT for the duration of one
// scan. The returned release must be called when the scan finishes.
func (t *Term) scanContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancelMu.Lock()
	t.cancelScan = cancel
	t.cancelMu.Unlock()
	return ctx, func() {
		t.cancelMu.Lock()
		t.cancelScan = nil
		t.cancelMu.Unlock()
		cancel()
	}
}

// Run begins the interactive loop. It returns when the user exits.
func (t *Term) Run() error {
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCompleter(t.complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}
	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	t.line.ReadHistory(f)
	f.Close()

	fmt.Println("Type 'help' for list of commands.")

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			return fmt.Errorf("prompt for input failed: %v", err)
		}
		if strings.TrimSpace(cmdstr) == "" {
			continue
		}
		if err := t.call(cmdstr); err != nil {
			if _, ok := err.(exitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// complete offers command names for the first word and plugin names after
// the scan command.
func (t *Term) complete(line string) (c []string) {
	if fields := strings.Fields(line); len(fields) >= 1 && fields[0] == "scan" {
		last := ""
		if !strings.HasSuffix(line, " ") {
			last = fields[len(fields)-1]
		}
		prefix := strings.TrimSuffix(line, last)
		for _, name := range t.registry.Names() {
			if strings.HasPrefix(name, last) {
				c = append(c, prefix+name)
			}
		}
		return c
	}
	for _, match := range t.names.PrefixSearch(strings.ToLower(line)) {
		c = append(c, match)
	}
	return c
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}
	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}
	return l, nil
}

func (t *Term) handleExit() error {
	if fullHistoryFile, err := config.GetConfigFilePath(historyFile); err == nil {
		if f, err := os.Create(fullHistoryFile); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history not saved:", err)
			}
			f.Close()
		}
	}
	return nil
}

// Println prints a line to the terminal with a highlighted prefix.
func (t *Term) Println(prefix, str string) {
	if !t.dumb {
		terminalColorEscapeCode := fmt.Sprintf(terminalHighlightEscapeCode, ansiBlue)
		prefix = fmt.Sprintf("%s%s%s", terminalColorEscapeCode, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

func (t *Term) colorize(color int, str string) string {
	if t.dumb {
		return str
	}
	return fmt.Sprintf(terminalHighlightEscapeCode, color) + str + terminalResetEscapeCode
}
