package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sergi/go-diff/diffmatchpatch"

	"pkt.systems/dblive/client"
)

type colorMode string

const (
	colorAuto   colorMode = "auto"
	colorAlways colorMode = "always"
	colorNever  colorMode = "never"
)

// useColor resolves mode against out. Auto enables color only for terminals.
func useColor(mode string, out io.Writer) (bool, error) {
	switch colorMode(strings.ToLower(strings.TrimSpace(mode))) {
	case colorAlways:
		return true, nil
	case colorNever:
		return false, nil
	case "", colorAuto:
		f, ok := out.(*os.File)
		if !ok {
			return false, nil
		}
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()), nil
	default:
		return false, fmt.Errorf("unsupported color mode %q (auto|always|never)", mode)
	}
}

// changeRenderer prints key changes as lines, optionally with an inline diff
// against the previous value. Safe for concurrent use.
type changeRenderer struct {
	mu      sync.Mutex
	out     io.Writer
	diff    bool
	colored bool

	keyColor    *color.Color
	deleteColor *color.Color
	insertColor *color.Color
	localColor  *color.Color
}

func newChangeRenderer(out io.Writer, diff, colored bool) *changeRenderer {
	r := &changeRenderer{
		out:         out,
		diff:        diff,
		colored:     colored,
		keyColor:    color.New(color.FgCyan, color.Bold),
		deleteColor: color.New(color.FgRed),
		insertColor: color.New(color.FgGreen),
		localColor:  color.New(color.Faint),
	}
	for _, c := range []*color.Color{r.keyColor, r.deleteColor, r.insertColor, r.localColor} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r
}

func (r *changeRenderer) render(ch client.Change) {
	var b strings.Builder
	b.WriteString(r.keyColor.Sprint(ch.Key))
	b.WriteByte(' ')
	b.WriteString(ch.Action)
	if ch.Local {
		b.WriteByte(' ')
		b.WriteString(r.localColor.Sprint("(local)"))
	}
	switch {
	case !ch.Present:
	case r.diff && ch.HadPrevious:
		b.WriteString(": ")
		b.WriteString(r.inlineDiff(ch.Previous.Raw, ch.Value.Raw))
	default:
		b.WriteString(": ")
		b.WriteString(ch.Value.Raw)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, b.String())
}

func (r *changeRenderer) inlineDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))
	var b strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			b.WriteString(d.Text)
		case diffmatchpatch.DiffDelete:
			if r.colored {
				b.WriteString(r.deleteColor.Sprint(d.Text))
			} else {
				b.WriteString("[-" + d.Text + "-]")
			}
		case diffmatchpatch.DiffInsert:
			if r.colored {
				b.WriteString(r.insertColor.Sprint(d.Text))
			} else {
				b.WriteString("{+" + d.Text + "+}")
			}
		}
	}
	return b.String()
}
