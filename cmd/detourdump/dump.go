package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/k2io/detours/internal/disasm"
	symbols "github.com/k2io/detours/internal/objSymbols"
	"github.com/k2io/detours/internal/region"
	"github.com/k2io/detours/internal/trampoline"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	addrStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	instStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD700"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// readWindow is enough bytes for any patch plan.
const readWindow = trampoline.JumpSize + 2*disasm.MaxInstLen

type options struct {
	detour uintptr
	slot   uintptr
}

// dump writes the hook plan of every name in bin to w. It returns how many
// names could not be planned.
func dump(w io.Writer, logger *zap.Logger, bin string, names []string, opts options) (int, error) {
	tab, err := symbols.Read(bin)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(bin)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	logger.Debug("symbols loaded", zap.String("bin", bin), zap.Int("symbols", tab.Len()))

	failed := 0
	for _, name := range names {
		fmt.Fprintln(w, titleStyle.Render(name))
		if err := dumpOne(w, f, tab, name, opts); err != nil {
			failed++
			fmt.Fprintln(w, errorStyle.Render("  "+err.Error()))
			logger.Debug("no plan", zap.String("symbol", name), zap.Error(err))
		}
		fmt.Fprintln(w)
	}
	return failed, nil
}

func dumpOne(w io.Writer, f io.ReaderAt, tab *symbols.Table, name string, opts options) error {
	s, ok := tab.Lookup(name)
	if !ok {
		return fmt.Errorf("symbol not found")
	}
	if !s.Func {
		return fmt.Errorf("not a function")
	}
	code, err := symbols.ElfCode(f, s.Addr, readWindow)
	if err != nil {
		return err
	}
	plan, err := trampoline.NewPlan(code, s.Addr, trampoline.JumpSize)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("overwritten"), addrStyle.Render(fmt.Sprintf("%d bytes", plan.Len)))
	for _, in := range plan.Insts {
		raw := code[in.PC-s.Addr : in.Next()-s.Addr]
		fmt.Fprintf(w, "  %s  %-24s %s%s\n",
			addrStyle.Render(fmt.Sprintf("%#x", in.PC)),
			hex(raw),
			instStyle.Render(in.String()),
			where(tab, in),
		)
	}
	if plan.StackCheck() {
		fmt.Fprintln(w, warnStyle.Render("  stack check relocated: a stack growth in the trampoline re-enters the detour"))
	}

	slot := opts.slot
	if slot == 0 {
		slot = (s.Addr &^ uintptr(region.DefaultRegionSize-1)) - uintptr(region.DefaultRegionSize)
	}
	detour := opts.detour
	if detour == 0 {
		detour = s.Addr + 1<<20
	}
	tr, err := trampoline.Emit(plan, slot, detour)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("patch"), hex(tr.Patch))
	fmt.Fprintf(w, "  %s %s %s\n", labelStyle.Render("trampoline"),
		addrStyle.Render(fmt.Sprintf("%#x", tr.Addr)), hex(tr.Image()[:tr.CodeLen]))
	for _, a := range tr.Aligns {
		fmt.Fprintf(w, "    %s +%d -> +%d\n", labelStyle.Render("align"), a.Target, a.Trampoline)
	}
	return nil
}

// where names the function a branch or rip-relative operand points into.
func where(tab *symbols.Table, in disasm.Inst) string {
	if in.Kind != disasm.Branch && in.Kind != disasm.PCRelative {
		return ""
	}
	f, ok := tab.Func(in.Target)
	if !ok {
		return ""
	}
	return labelStyle.Render(fmt.Sprintf("  ; %s+%#x", f.Name, in.Target-f.Addr))
}

func hex(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(parts, " ")
}
