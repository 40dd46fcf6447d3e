package harden

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

var (
	lookupUser  = user.Lookup
	lookupGroup = user.LookupGroup
)

// StepError records the action that failed inside a step.
type StepError struct {
	Step   string
	Action Action
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Action.Describe(), e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Progress wraps the execution of one step for presentation.
type Progress interface {
	Run(label string, fn func() error) error
}

// Report summarizes one executor run.
type Report struct {
	Steps   int
	Actions int
	Skipped int
	Errors  []*StepError
}

// Failed reports whether any step failed.
func (r Report) Failed() bool {
	return len(r.Errors) > 0
}

// Err joins every step error, or returns nil.
func (r Report) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Executor runs hardening steps sequentially.
type Executor struct {
	DryRun   bool
	Out      io.Writer
	Progress Progress
	Logger   *slog.Logger

	uids map[string]int
	gids map[string]int
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Run executes steps in order. A failing action ends its own step and is
// recorded in the report; the following steps still run. The returned error
// is non-nil only when ctx is cancelled, in which case the remaining actions
// are not attempted.
func (e *Executor) Run(ctx context.Context, steps []Step) (Report, error) {
	var report Report
	out := e.Out
	if out == nil {
		out = io.Discard
	}

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Steps++

		if e.DryRun {
			fmt.Fprintf(out, "[dry-run] step %d/%d: %s\n", i+1, len(steps), step.Name)
			for _, a := range step.Actions {
				fmt.Fprintf(out, "[dry-run]   %s\n", a.Describe())
			}
			continue
		}

		label := fmt.Sprintf("[%d/%d] %s", i+1, len(steps), step.Name)
		var stepErr *StepError
		var ctxErr error
		run := func() error {
			for _, a := range step.Actions {
				if err := ctx.Err(); err != nil {
					ctxErr = err
					return err
				}
				applied, err := e.apply(a)
				if err != nil {
					stepErr = &StepError{Step: step.Name, Action: a, Err: err}
					return stepErr
				}
				if applied {
					report.Actions++
					e.logger().Debug("Applied", "action", a.Describe())
				} else {
					report.Skipped++
					e.logger().Debug("Skipped missing path", "path", a.Path)
				}
			}
			return nil
		}

		if e.Progress != nil {
			_ = e.Progress.Run(label, run)
		} else {
			_ = run()
		}

		if ctxErr != nil {
			return report, ctxErr
		}
		if stepErr != nil {
			report.Errors = append(report.Errors, stepErr)
			e.logger().Error("Hardening step failed", "step", step.Name, "error", stepErr.Err)
		}
	}

	return report, nil
}

// apply executes a single action. It reports false when an optional action
// was skipped because its target does not exist.
func (e *Executor) apply(a Action) (bool, error) {
	if a.Optional {
		probe := a.Path
		if a.Kind == EnsureFile {
			probe = filepath.Dir(a.Path)
		}
		if _, err := os.Lstat(probe); errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
	}

	switch a.Kind {
	case ChownTree:
		uid, err := e.uid(a.User)
		if err != nil {
			return false, err
		}
		gid, err := e.gid(a.Group)
		if err != nil {
			return false, err
		}
		return true, walkTree(a.Path, func(path string, _ fs.DirEntry) error {
			return os.Lchown(path, uid, gid)
		})

	case ChgrpTree:
		gid, err := e.gid(a.Group)
		if err != nil {
			return false, err
		}
		return true, walkTree(a.Path, func(path string, _ fs.DirEntry) error {
			return os.Lchown(path, -1, gid)
		})

	case ModeTree:
		return true, walkTree(a.Path, func(path string, d fs.DirEntry) error {
			switch {
			case d.IsDir():
				return os.Chmod(path, a.DirMode)
			case d.Type().IsRegular():
				return os.Chmod(path, a.FileMode)
			}
			return nil
		})

	case Chmod:
		info, err := os.Lstat(a.Path)
		if err != nil {
			return false, err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return false, nil
		}
		return true, os.Chmod(a.Path, a.Mode)

	case Chgrp:
		gid, err := e.gid(a.Group)
		if err != nil {
			return false, err
		}
		return true, os.Lchown(a.Path, -1, gid)

	case EnsureFile:
		f, err := os.OpenFile(a.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if _, err := io.WriteString(f, a.Content); err != nil {
			f.Close()
			return false, err
		}
		return true, f.Close()

	case Remove:
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		return true, nil
	}

	return false, fmt.Errorf("unknown action kind %s", a.Kind)
}

// walkTree calls fn for every entry under root without following symlinks.
// Per-entry failures do not stop the walk; the first one is returned along
// with the failure count.
func walkTree(root string, fn func(path string, d fs.DirEntry) error) error {
	var first error
	failures := 0
	record := func(err error) {
		failures++
		if first == nil {
			first = err
		}
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			record(err)
			return nil
		}
		if err := fn(path, d); err != nil {
			record(err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if failures > 1 {
		return fmt.Errorf("%d entries failed, first: %w", failures, first)
	}
	return first
}

func (e *Executor) uid(name string) (int, error) {
	if id, ok := e.uids[name]; ok {
		return id, nil
	}
	id, err := strconv.Atoi(name)
	if err != nil {
		u, lookupErr := lookupUser(name)
		if lookupErr != nil {
			return 0, fmt.Errorf("resolve user %s: %w", name, lookupErr)
		}
		if id, err = strconv.Atoi(u.Uid); err != nil {
			return 0, err
		}
	}
	if e.uids == nil {
		e.uids = map[string]int{}
	}
	e.uids[name] = id
	return id, nil
}

func (e *Executor) gid(name string) (int, error) {
	if id, ok := e.gids[name]; ok {
		return id, nil
	}
	id, err := strconv.Atoi(name)
	if err != nil {
		g, lookupErr := lookupGroup(name)
		if lookupErr != nil {
			return 0, fmt.Errorf("resolve group %s: %w", name, lookupErr)
		}
		if id, err = strconv.Atoi(g.Gid); err != nil {
			return 0, err
		}
	}
	if e.gids == nil {
		e.gids = map[string]int{}
	}
	e.gids[name] = id
	return id, nil
}
