package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/wp-harden/internal/harden"
	"github.com/example/wp-harden/internal/site"
)

// maxListed caps how many offending paths a result carries.
const maxListed = 10

type funcCheck struct {
	name string
	fn   func(ctx context.Context, s site.Site) (Result, error)
}

func (c funcCheck) Name() string { return c.name }

func (c funcCheck) Check(ctx context.Context, s site.Site) (Result, error) {
	r, err := c.fn(ctx, s)
	r.Site = s.Root
	r.Check = c.name
	return r, err
}

func pass(summary string) Result {
	return Result{Status: StatusPass, Summary: summary}
}

func fail(summary string, paths []string) Result {
	r := Result{Status: StatusFail, Summary: summary}
	if len(paths) > 0 {
		r.Metadata = map[string]interface{}{"paths": paths}
	}
	return r
}

func modeOf(path string) (os.FileMode, bool, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return info.Mode(), true, nil
}

func configModeCheck() Check {
	return funcCheck{name: "config-mode", fn: func(_ context.Context, s site.Site) (Result, error) {
		mode, ok, err := modeOf(s.Path(site.ConfigFile))
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return fail("wp-config.php is missing", nil), nil
		}
		if got := harden.Octal(mode); got != harden.Octal(harden.ConfigMode) {
			return fail(fmt.Sprintf("wp-config.php has mode %s, want %s", got, harden.Octal(harden.ConfigMode)), nil), nil
		}
		return pass("wp-config.php is private"), nil
	}}
}

func contentSetgidCheck() Check {
	return funcCheck{name: "content-setgid", fn: func(ctx context.Context, s site.Site) (Result, error) {
		var missing []string
		err := filepath.WalkDir(s.Path(site.ContentDir), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.Mode()&os.ModeSetgid == 0 && len(missing) < maxListed {
				missing = append(missing, path)
			}
			return nil
		})
		if err != nil {
			return Result{}, err
		}
		if len(missing) > 0 {
			return fail("wp-content directories without setgid", missing), nil
		}
		return pass("wp-content directories inherit group"), nil
	}}
}

func lockedFileCheck(name string, elem ...string) Check {
	return funcCheck{name: name, fn: func(_ context.Context, s site.Site) (Result, error) {
		path := s.Path(elem...)
		mode, ok, err := modeOf(path)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return pass(filepath.Base(path) + " not present"), nil
		}
		if mode&os.ModeSymlink == 0 && harden.UnixBits(mode) != 0 {
			return fail(fmt.Sprintf("%s has mode %s, want 0000", filepath.Base(path), harden.Octal(mode)), []string{path}), nil
		}
		return pass(filepath.Base(path) + " is locked"), nil
	}}
}

func uploadsListingCheck() Check {
	return funcCheck{name: "uploads-listing", fn: func(_ context.Context, s site.Site) (Result, error) {
		uploads := s.Path(site.ContentDir, "uploads")
		if _, ok, err := modeOf(uploads); err != nil || !ok {
			return pass("uploads directory not present"), err
		}

		data, err := os.ReadFile(filepath.Join(uploads, ".htaccess"))
		if errors.Is(err, fs.ErrNotExist) {
			return fail("uploads/.htaccess is missing", nil), nil
		}
		if err != nil {
			return Result{}, err
		}
		if !bytes.Contains(data, []byte(strings.TrimSpace(harden.UploadsHtaccess))) {
			return fail("uploads/.htaccess does not disable directory listing", nil), nil
		}
		return pass("uploads directory listing disabled"), nil
	}}
}

func samplesRemovedCheck() Check {
	return funcCheck{name: "samples-removed", fn: func(_ context.Context, s site.Site) (Result, error) {
		var present []string
		for _, name := range harden.RemovedFiles {
			_, ok, err := modeOf(s.Path(name))
			if err != nil {
				return Result{}, err
			}
			if ok {
				present = append(present, s.Path(name))
			}
		}
		if len(present) > 0 {
			return fail("sample files still present", present), nil
		}
		return pass("sample files removed"), nil
	}}
}

func worldWritableCheck() Check {
	return funcCheck{name: "world-writable", fn: func(ctx context.Context, s site.Site) (Result, error) {
		var writable []string
		count := 0
		err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.Type()&fs.ModeSymlink != 0 {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.Mode().Perm()&0o002 != 0 {
				count++
				if len(writable) < maxListed {
					writable = append(writable, path)
				}
			}
			return nil
		})
		if err != nil {
			return Result{}, err
		}
		if count > 0 {
			r := fail(fmt.Sprintf("%d world-writable entries", count), writable)
			return r, nil
		}
		return pass("no world-writable entries"), nil
	}}
}
