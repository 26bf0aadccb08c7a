package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/distantorigin/mod-updater/internal/changelog"
	"github.com/distantorigin/mod-updater/internal/syncerr"
)

// consoleObserver prints status lines and a single rewriting progress line
type consoleObserver struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
	inline  bool
}

func newConsoleObserver(out io.Writer, verbose bool) *consoleObserver {
	return &consoleObserver{out: out, verbose: verbose}
}

func (o *consoleObserver) OnProgress(done, total int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pct := 100
	if total > 0 {
		pct = int(done * 100 / total)
	}
	fmt.Fprintf(o.out, "\r  %3d%%  %s / %s", pct, changelog.FormatBytes(done), changelog.FormatBytes(total))
	o.inline = true
}

func (o *consoleObserver) OnStatus(message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.verbose {
		return
	}
	o.breakLine()
	fmt.Fprintln(o.out, message)
}

func (o *consoleObserver) OnError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.breakLine()
	fmt.Fprintln(o.out, red("!"), syncerr.Message(err))
}

// finish ends an open progress line
func (o *consoleObserver) finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.breakLine()
}

func (o *consoleObserver) breakLine() {
	if o.inline {
		fmt.Fprintln(o.out)
		o.inline = false
	}
}
