// Package backup snapshots and restores the ownership and mode of every entry
// under a site root.
package backup

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
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/disk"
	"golang.org/x/sys/unix"

	"github.com/example/wp-harden/internal/acl"
	"github.com/example/wp-harden/internal/catalog"
	"github.com/example/wp-harden/internal/site"
)

const (
	PermsExt     = ".perms"
	ACLExt       = ".acl"
	LatestSuffix = "-latest"

	// DefaultMinFreeBytes is the free space below which a backup logs a warning.
	DefaultMinFreeBytes = 64 * 1024 * 1024
)

// ErrNoBackup is returned when a restore cannot find the requested snapshot.
var ErrNoBackup = errors.New("no backup file found")

var (
	diskUsage     = disk.Usage
	lookupUserID  = user.LookupId
	lookupGroupID = user.LookupGroupId
	lookupUser    = user.Lookup
	lookupGroup   = user.LookupGroup
)

// Catalog is the subset of the backup catalog the engine needs.
type Catalog interface {
	RecordBackup(ctx context.Context, b catalog.Backup) (int64, error)
	LatestBackup(ctx context.Context, site string) (catalog.Backup, error)
}

// Engine writes snapshots into Dir and restores them.
type Engine struct {
	Dir          string
	ACL          acl.Tool
	Catalog      Catalog
	Logger       *slog.Logger
	MinFreeBytes uint64
	Now          func() time.Time
}

// Result describes a written backup.
type Result struct {
	BaseName  string
	PermsPath string
	ACLPath   string
	Entries   int
	Skipped   int
}

// RestoreResult counts what a restore did.
type RestoreResult struct {
	PermsPath  string
	SiteRoot   string
	Applied    int
	Missing    int
	Outside    int
	Failed     int
	ACLApplied bool
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Backup snapshots s into <Dir>/<name>-<unix>.perms (and .acl when the ACL
// tool is available), then points the <name>-latest aliases at it.
// Unreadable entries are skipped; ACL failures only warn.
func (e *Engine) Backup(ctx context.Context, s site.Site, runID string) (Result, error) {
	log := e.logger().With("site", s.Root)

	if err := os.MkdirAll(e.Dir, 0o700); err != nil {
		return Result{}, fmt.Errorf("create backup directory: %w", err)
	}
	e.checkFreeSpace(log)

	created := e.now()
	ts := created.Unix()
	base := fmt.Sprintf("%s-%d", s.Name, ts)
	for fileExists(filepath.Join(e.Dir, base+PermsExt)) {
		ts++
		base = fmt.Sprintf("%s-%d", s.Name, ts)
	}

	res := Result{BaseName: base, PermsPath: filepath.Join(e.Dir, base+PermsExt)}
	entries, skipped, err := e.writeSnapshot(ctx, s.Root, res.PermsPath, time.Unix(ts, 0))
	if err != nil {
		return Result{}, err
	}
	res.Entries, res.Skipped = entries, skipped
	if skipped > 0 {
		log.Warn("Some entries could not be read and were left out of the backup", "skipped", skipped)
	}

	if e.ACL != nil && e.ACL.Available() {
		aclPath := filepath.Join(e.Dir, base+ACLExt)
		if err := e.writeACL(ctx, s.Root, aclPath); err != nil {
			log.Warn("ACL backup incomplete", "error", err)
		}
		if fileSize(aclPath) > 0 {
			res.ACLPath = aclPath
		} else {
			os.Remove(aclPath)
		}
	} else {
		log.Debug("ACL tool not available, skipping ACL backup")
	}

	if err := e.updateLatest(s.Name, res); err != nil {
		log.Warn("Could not update latest backup alias", "error", err)
	}

	if e.Catalog != nil {
		if _, err := e.Catalog.RecordBackup(ctx, catalog.Backup{
			Site:      s.Name,
			SiteRoot:  s.Root,
			BaseName:  base,
			PermsPath: res.PermsPath,
			ACLPath:   res.ACLPath,
			Entries:   res.Entries,
			Skipped:   res.Skipped,
			RunID:     runID,
			CreatedAt: time.Unix(ts, 0),
		}); err != nil {
			log.Warn("Could not record backup in catalog", "error", err)
		}
	}

	log.Info("Permissions backed up", "backup", base, "entries", res.Entries, "acl", res.ACLPath != "")
	return res, nil
}

func (e *Engine) checkFreeSpace(log *slog.Logger) {
	threshold := e.MinFreeBytes
	if threshold == 0 {
		threshold = DefaultMinFreeBytes
	}
	usage, err := diskUsage(e.Dir)
	if err != nil {
		log.Debug("Could not read free space of backup directory", "error", err)
		return
	}
	if usage.Free < threshold {
		log.Warn("Backup directory is low on space", "dir", e.Dir, "free", humanize.Bytes(usage.Free))
	}
}

func (e *Engine) writeSnapshot(ctx context.Context, root, dest string, created time.Time) (int, int, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".perms-*")
	if err != nil {
		return 0, 0, fmt.Errorf("create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	w, err := NewWriter(tmp, Header{SiteRoot: root, Created: created})
	if err != nil {
		tmp.Close()
		return 0, 0, err
	}

	names := newNameCache()
	entries, skipped := 0, 0
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			skipped++
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}

		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			skipped++
			return nil
		}

		if err := w.Write(Entry{
			Path:  path,
			User:  names.user(st.Uid),
			Group: names.group(st.Gid),
			Mode:  uint32(st.Mode) & 0o7777,
		}); err != nil {
			return err
		}
		entries++
		return nil
	})
	if walkErr != nil {
		tmp.Close()
		return 0, 0, fmt.Errorf("snapshot %s: %w", root, walkErr)
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, 0, err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return 0, 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, 0, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, 0, fmt.Errorf("finalize snapshot: %w", err)
	}
	return entries, skipped, nil
}

func (e *Engine) writeACL(ctx context.Context, root, dest string) error {
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	dumpErr := e.ACL.Dump(ctx, root, file)
	if err := file.Close(); err != nil && dumpErr == nil {
		dumpErr = err
	}
	return dumpErr
}

// updateLatest atomically repoints <name>-latest.perms (and .acl) at res.
// A stale .acl alias is removed when the new backup has no ACL dump so the
// pair always belongs to the same snapshot.
func (e *Engine) updateLatest(name string, res Result) error {
	if err := replaceSymlink(filepath.Base(res.PermsPath), filepath.Join(e.Dir, name+LatestSuffix+PermsExt)); err != nil {
		return err
	}

	aclAlias := filepath.Join(e.Dir, name+LatestSuffix+ACLExt)
	if res.ACLPath == "" {
		if err := os.Remove(aclAlias); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	return replaceSymlink(filepath.Base(res.ACLPath), aclAlias)
}

func replaceSymlink(target, link string) error {
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, link)
}

// Resolve maps a backup base name to its .perms file. Accepted forms: a
// timestamped base name, <site>-latest, a bare site name, or an absolute path
// to a .perms file. Bare names fall back to the catalog and then to the
// newest timestamped file in Dir.
func (e *Engine) Resolve(ctx context.Context, base string) (string, error) {
	name := strings.TrimSuffix(strings.TrimSpace(base), PermsExt)
	if name == "" {
		return "", fmt.Errorf("%w: empty backup name", ErrNoBackup)
	}

	var candidates []string
	if filepath.IsAbs(name) {
		candidates = []string{name + PermsExt}
	} else {
		candidates = []string{
			filepath.Join(e.Dir, name+PermsExt),
			filepath.Join(e.Dir, name+LatestSuffix+PermsExt),
		}
	}
	for _, c := range candidates {
		if fileExists(c) {
			return followAlias(c)
		}
	}

	siteName := strings.TrimSuffix(filepath.Base(name), LatestSuffix)
	if e.Catalog != nil {
		if b, err := e.Catalog.LatestBackup(ctx, siteName); err == nil && fileExists(b.PermsPath) {
			return b.PermsPath, nil
		}
	}

	if newest := newestTimestamped(e.Dir, siteName); newest != "" {
		return newest, nil
	}

	return "", fmt.Errorf("%w: %s in %s", ErrNoBackup, base, e.Dir)
}

// followAlias resolves a -latest symlink to the snapshot it points at.
func followAlias(path string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return path, err
	}
	target, err := os.Readlink(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return target, nil
}

func newestTimestamped(dir, siteName string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	prefix := siteName + "-"
	var best string
	var bestTS int64 = -1
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, PermsExt) {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, prefix), PermsExt), 10, 64)
		if err != nil {
			continue
		}
		if ts > bestTS {
			bestTS = ts
			best = filepath.Join(dir, name)
		}
	}
	return best
}

// Restore reapplies ownership and mode from a snapshot. Entries that no
// longer exist are skipped silently and entries outside the snapshot's site
// root are never touched. In dry-run mode the intended changes are written to
// out instead of being applied.
func (e *Engine) Restore(ctx context.Context, base string, dryRun bool, out io.Writer) (RestoreResult, error) {
	if out == nil {
		out = io.Discard
	}

	permsPath, err := e.Resolve(ctx, base)
	if err != nil {
		return RestoreResult{}, err
	}

	file, err := os.Open(permsPath)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("%w: %v", ErrNoBackup, err)
	}
	defer file.Close()

	reader, err := NewReader(file)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read %s: %w", permsPath, err)
	}

	root := filepath.Clean(reader.Header().SiteRoot)
	res := RestoreResult{PermsPath: permsPath, SiteRoot: root}
	log := e.logger().With("backup", filepath.Base(permsPath), "site", root)
	ids := newIDCache()

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("read %s: %w", permsPath, err)
		}

		if !within(root, entry.Path) {
			res.Outside++
			continue
		}

		info, err := os.Lstat(entry.Path)
		if err != nil {
			res.Missing++
			continue
		}

		if dryRun {
			fmt.Fprintf(out, "[dry-run] chown -h %s:%s %s; chmod %04o %s\n", entry.User, entry.Group, entry.Path, entry.Mode, entry.Path)
			res.Applied++
			continue
		}

		if err := applyEntry(entry, info, ids); err != nil {
			res.Failed++
			log.Warn("Could not restore entry", "path", entry.Path, "error", err)
			continue
		}
		res.Applied++
	}

	aclPath := strings.TrimSuffix(permsPath, PermsExt) + ACLExt
	if fileExists(aclPath) {
		switch {
		case e.ACL == nil || !e.ACL.Available():
			log.Warn("ACL snapshot present but ACL tool not available", "acl", aclPath)
		case dryRun:
			fmt.Fprintf(out, "[dry-run] setfacl --restore=%s\n", aclPath)
		default:
			if err := e.ACL.Restore(ctx, aclPath); err != nil {
				log.Warn("ACL restore failed", "error", err)
			} else {
				res.ACLApplied = true
			}
		}
	}

	log.Info("Permissions restored", "applied", res.Applied, "missing", res.Missing, "failed", res.Failed, "acl", res.ACLApplied)
	return res, nil
}

func applyEntry(entry Entry, info os.FileInfo, ids *idCache) error {
	uid, err := ids.uid(entry.User)
	if err != nil {
		return err
	}
	gid, err := ids.gid(entry.Group)
	if err != nil {
		return err
	}

	if err := os.Lchown(entry.Path, uid, gid); err != nil {
		return err
	}
	// chmod follows symlinks, and link modes are meaningless on Linux.
	if info.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	return os.Chmod(entry.Path, FileMode(entry.Mode))
}

func within(root, path string) bool {
	clean := filepath.Clean(path)
	if clean == root {
		return true
	}
	if root == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(clean, root+string(filepath.Separator))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// nameCache maps numeric ids to names, falling back to the number itself.
type nameCache struct {
	users  map[uint32]string
	groups map[uint32]string
}

func newNameCache() *nameCache {
	return &nameCache{users: map[uint32]string{}, groups: map[uint32]string{}}
}

func (c *nameCache) user(uid uint32) string {
	if name, ok := c.users[uid]; ok {
		return name
	}
	name := strconv.FormatUint(uint64(uid), 10)
	if u, err := lookupUserID(name); err == nil {
		name = u.Username
	}
	c.users[uid] = name
	return name
}

func (c *nameCache) group(gid uint32) string {
	if name, ok := c.groups[gid]; ok {
		return name
	}
	name := strconv.FormatUint(uint64(gid), 10)
	if g, err := lookupGroupID(name); err == nil {
		name = g.Name
	}
	c.groups[gid] = name
	return name
}

// idCache maps user and group names back to numeric ids.
type idCache struct {
	uids map[string]int
	gids map[string]int
}

func newIDCache() *idCache {
	return &idCache{uids: map[string]int{}, gids: map[string]int{}}
}

func (c *idCache) uid(name string) (int, error) {
	if id, ok := c.uids[name]; ok {
		return id, nil
	}
	id, err := strconv.Atoi(name)
	if err != nil {
		u, lookupErr := lookupUser(name)
		if lookupErr != nil {
			return 0, fmt.Errorf("unknown user %s: %w", name, lookupErr)
		}
		if id, err = strconv.Atoi(u.Uid); err != nil {
			return 0, err
		}
	}
	c.uids[name] = id
	return id, nil
}

func (c *idCache) gid(name string) (int, error) {
	if id, ok := c.gids[name]; ok {
		return id, nil
	}
	id, err := strconv.Atoi(name)
	if err != nil {
		g, lookupErr := lookupGroup(name)
		if lookupErr != nil {
			return 0, fmt.Errorf("unknown group %s: %w", name, lookupErr)
		}
		if id, err = strconv.Atoi(g.Gid); err != nil {
			return 0, err
		}
	}
	c.gids[name] = id
	return id, nil
}
