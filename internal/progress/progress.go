// Package progress renders step progress as a terminal spinner or as plain
// start/finish lines.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/mattn/go-isatty"
)

// DefaultSpinner is the animation used when an Indicator has none set.
var DefaultSpinner = spinner.Dot

// IsInteractive reports whether w is a terminal.
func IsInteractive(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Indicator wraps a blocking function with progress output.
type Indicator struct {
	Out     io.Writer
	Animate bool
	Spinner spinner.Spinner

	mu sync.Mutex
}

// New returns an indicator that animates only on a terminal with verbose off.
// Verbose output interleaves log lines, which would tear the spinner line.
func New(out io.Writer, verbose bool) *Indicator {
	return &Indicator{
		Out:     out,
		Animate: !verbose && IsInteractive(out),
	}
}

// Run calls fn on the caller's goroutine. When animating, a spinner goroutine
// redraws label until fn returns and is joined before Run returns.
func (p *Indicator) Run(label string, fn func() error) error {
	if !p.Animate {
		p.printf("==> %s...\n", label)
		err := fn()
		p.finish(label, err, "")
		return err
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.spin(label, done)
	}()

	err := fn()
	close(done)
	wg.Wait()

	p.finish(label, err, "\r\033[K")
	return err
}

func (p *Indicator) spin(label string, done <-chan struct{}) {
	style := p.Spinner
	if len(style.Frames) == 0 {
		style = DefaultSpinner
	}
	frames := style.Frames
	interval := style.FPS
	if interval <= 0 {
		interval = DefaultSpinner.FPS
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		p.printf("\r%s %s", frames[i%len(frames)], label)
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (p *Indicator) finish(label string, err error, prefix string) {
	if err != nil {
		p.printf("%s✗ %s: %v\n", prefix, label, err)
		return
	}
	p.printf("%s✓ %s\n", prefix, label)
}

func (p *Indicator) printf(format string, args ...interface{}) {
	if p.Out == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.Out, format, args...)
}
