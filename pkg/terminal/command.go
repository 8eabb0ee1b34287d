package terminal

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/rigor-forensics/rigor/pkg/paging"
	"github.com/rigor-forensics/rigor/pkg/plugins"
	"github.com/rigor-forensics/rigor/pkg/scan"
)

// exitRequestError is returned by the exit command to signal Run to leave
// the interactive loop.
type exitRequestError struct{}

func (exitRequestError) Error() string { return "exit" }

type cmdfunc func(t *Term, args []string) error

type command struct {
	aliases []string
	cmdFn   cmdfunc
	helpMsg string
}

// hasAlias returns true if the command string matches one of the aliases
// for this command.
func (c command) hasAlias(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

func shellCommands(t *Term) []command {
	return []command{
		{aliases: []string{"help", "h"}, cmdFn: (*Term).helpCmd, helpMsg: `Prints the help message.

	help [command]`},
		{aliases: []string{"runs"}, cmdFn: (*Term).runsCmd, helpMsg: "Lists the physical memory runs of the image."},
		{aliases: []string{"read", "x"}, cmdFn: (*Term).readCmd, helpMsg: `Hexdumps physical memory.

	read <addr> [length]`},
		{aliases: []string{"vread"}, cmdFn: (*Term).vreadCmd, helpMsg: `Hexdumps virtual memory using the current paging context.

	vread <addr> [length]

Requires a paging context, see "dtb".`},
		{aliases: []string{"translate", "v2p"}, cmdFn: (*Term).translateCmd, helpMsg: `Translates a virtual address using the current paging context.

	translate <addr>`},
		{aliases: []string{"dtb"}, cmdFn: (*Term).dtbCmd, helpMsg: `Sets or shows the paging context.

	dtb [addr [mode]]

Mode is one of amd64, pae, x86 (default amd64).`},
		{aliases: []string{"mode"}, cmdFn: (*Term).modeCmd, helpMsg: `Sets the paging mode of the current context.

	mode <amd64|pae|x86>`},
		{aliases: []string{"plugins"}, cmdFn: (*Term).pluginsCmd, helpMsg: "Lists the registered plugins."},
		{aliases: []string{"scan"}, cmdFn: (*Term).scanCmd, helpMsg: `Runs plugins against the image and prints their findings.

	scan [plugin...]

With no arguments every registered plugin runs. Ctrl-C cancels the scan and
keeps the findings gathered so far.`},
		{aliases: []string{"extract"}, cmdFn: (*Term).extractCmd, helpMsg: `Carves PE images out of the dump into a directory.

	extract <dir> [pattern]`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: func(t *Term, args []string) error { return exitRequestError{} }, helpMsg: "Exit the shell."},
	}
}

// call splits cmdstr like a shell would and dispatches it.
func (t *Term) call(cmdstr string) error {
	vals, err := argv.Argv(cmdstr,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return err
	}
	if len(vals) != 1 || len(vals[0]) == 0 {
		return fmt.Errorf("illegal command line '%s'", cmdstr)
	}
	name, args := vals[0][0], vals[0][1:]
	for _, cmd := range t.cmds {
		if cmd.hasAlias(name) {
			return cmd.cmdFn(t, args)
		}
	}
	return noCmdError(name)
}

func noCmdError(name string) error {
	return fmt.Errorf("command not available: %q, type 'help' for a list of commands", name)
}

func (t *Term) helpCmd(args []string) error {
	if len(args) > 0 {
		for _, cmd := range t.cmds {
			if cmd.hasAlias(args[0]) {
				fmt.Fprintln(t.stdout, cmd.helpMsg)
				return nil
			}
		}
		return noCmdError(args[0])
	}
	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := tabwriter.NewWriter(t.stdout, 0, 8, 2, ' ', 0)
	for _, cmd := range t.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s)\t%s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s\t%s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func (t *Term) runsCmd(args []string) error {
	w := tabwriter.NewWriter(t.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "Start\tEnd\tLength\tFile offset\n")
	for _, run := range t.img.Runs() {
		fmt.Fprintf(w, "%#x\t%#x\t%#x\t%#x\n", run.PhysStart, run.PhysStart+run.Length, run.Length, run.FileOff)
	}
	return w.Flush()
}

const defaultReadLen = 256

func (t *Term) readCmd(args []string) error {
	addr, n, err := parseReadArgs(args)
	if err != nil {
		return err
	}
	buf := make([]byte, n)
	if err := t.img.ReadPhysical(buf, addr); err != nil {
		return err
	}
	t.hexdump(buf, addr)
	return nil
}

func (t *Term) vreadCmd(args []string) error {
	if !t.havePctx {
		return errors.New("no paging context, use \"dtb\" first")
	}
	addr, n, err := parseReadArgs(args)
	if err != nil {
		return err
	}
	buf := make([]byte, n)
	if err := t.img.ReadVirtual(buf, t.pctx, addr); err != nil {
		return err
	}
	t.hexdump(buf, addr)
	return nil
}

func (t *Term) translateCmd(args []string) error {
	if !t.havePctx {
		return errors.New("no paging context, use \"dtb\" first")
	}
	if len(args) != 1 {
		return errors.New("wrong number of arguments, expected an address")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	pa, err := paging.Translate(t.img, t.pctx, addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%#x -> %#x (%s, dtb %#x)\n", addr, pa, t.pctx.Mode, t.pctx.DTB)
	return nil
}

func (t *Term) dtbCmd(args []string) error {
	if len(args) == 0 {
		if !t.havePctx {
			fmt.Fprintln(t.stdout, "no paging context")
			return nil
		}
		fmt.Fprintf(t.stdout, "dtb %#x mode %s\n", t.pctx.DTB, t.pctx.Mode)
		return nil
	}
	dtb, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	mode := paging.Amd64
	if len(args) > 1 {
		mode, err = paging.ModeByName(args[1])
		if err != nil {
			return err
		}
	}
	t.pctx = paging.Context{DTB: dtb, Mode: mode}
	t.havePctx = true
	fmt.Fprintf(t.stdout, "dtb %#x mode %s\n", t.pctx.DTB, t.pctx.Mode)
	return nil
}

func (t *Term) modeCmd(args []string) error {
	if len(args) != 1 {
		return errors.New("wrong number of arguments, expected a paging mode")
	}
	mode, err := paging.ModeByName(args[0])
	if err != nil {
		return err
	}
	t.pctx.Mode = mode
	fmt.Fprintf(t.stdout, "mode %s\n", t.pctx.Mode)
	return nil
}

func (t *Term) pluginsCmd(args []string) error {
	w := tabwriter.NewWriter(t.stdout, 0, 8, 2, ' ', 0)
	for _, name := range t.registry.Names() {
		p, _ := t.registry.Lookup(name)
		fmt.Fprintf(w, "%s\t%s\n", name, p.Description())
	}
	return w.Flush()
}

func (t *Term) scanCmd(args []string) error {
	ctx, release := t.scanContext()
	defer release()

	engine := scan.NewEngine(t.registry)
	report, err := engine.Run(ctx, t.img, args, scan.Options{Parallel: t.conf.Parallel})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(t.stdout, 0, 8, 2, ' ', 0)
	for i := range report.Findings {
		f := &report.Findings[i]
		fmt.Fprintf(w, "%s\t%s\t%s:%#x\t%d%%\t%s\n",
			f.Plugin, f.Kind, f.Space, f.Addr, f.Confidence, f.Description)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	names := make([]string, 0, len(report.Status))
	for name := range report.Status {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := report.Status[name]
		line := fmt.Sprintf("%s: %s", name, st.Status)
		switch st.Status {
		case scan.Success:
			line = t.colorize(ansiGreen, line)
		case scan.Failed:
			line = fmt.Sprintf("%s: %v", t.colorize(ansiRed, line), st.Err)
		case scan.Cancelled:
			line = t.colorize(ansiYellow, line)
		}
		fmt.Fprintln(t.stdout, line)
	}
	fmt.Fprintf(t.stdout, "%d findings\n", len(report.Findings))
	return nil
}

func (t *Term) extractCmd(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("wrong number of arguments, expected a directory and an optional pattern")
	}
	pattern := ""
	if len(args) == 2 {
		pattern = args[1]
	}
	ctx, release := t.scanContext()
	defer release()
	mods, err := plugins.ExtractModules(ctx, t.img, args[0], pattern)
	for _, mod := range mods {
		fmt.Fprintf(t.stdout, "%s\t%s\t%#x bytes\n", mod.Path, mod.Arch, mod.Size)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%d modules extracted\n", len(mods))
	return nil
}

func parseReadArgs(args []string) (addr, n uint64, err error) {
	if len(args) < 1 || len(args) > 2 {
		return 0, 0, errors.New("wrong number of arguments, expected an address and an optional length")
	}
	addr, err = parseAddr(args[0])
	if err != nil {
		return 0, 0, err
	}
	n = defaultReadLen
	if len(args) == 2 {
		n, err = parseAddr(args[1])
		if err != nil {
			return 0, 0, err
		}
	}
	if n == 0 || n > 1<<20 {
		return 0, 0, errors.New("length must be between 1 and 1MiB")
	}
	return addr, n, nil
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

// hexdump writes buf in canonical 16 bytes per line form, addresses
// highlighted.
func (t *Term) hexdump(buf []byte, addr uint64) {
	var sb strings.Builder
	for off := 0; off < len(buf); off += 16 {
		end := off + 16
		if end > len(buf) {
			end = len(buf)
		}
		line := buf[off:end]

		sb.Reset()
		for i, b := range line {
			if i == 8 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%02x ", b)
		}
		for i := len(line); i < 16; i++ {
			if i == 8 {
				sb.WriteByte(' ')
			}
			sb.WriteString("   ")
		}
		sb.WriteString(" |")
		for _, b := range line {
			if b >= 0x20 && b <= 0x7e {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("|")

		fmt.Fprintf(t.stdout, "%s  %s\n", t.colorize(ansiCyan, fmt.Sprintf("%#016x", addr+uint64(off))), sb.String())
	}
}
