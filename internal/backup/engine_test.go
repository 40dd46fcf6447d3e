package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wp-harden/internal/catalog"
	"github.com/example/wp-harden/internal/site"
)

type fakeACL struct {
	available bool
	dumped    []string
	restored  []string
	dumpErr   error
}

func (f *fakeACL) Available() bool { return f.available }

func (f *fakeACL) Dump(_ context.Context, root string, w io.Writer) error {
	f.dumped = append(f.dumped, root)
	if f.dumpErr != nil {
		return f.dumpErr
	}
	_, err := io.WriteString(w, "# file: "+root+"\nuser::rwx\n")
	return err
}

func (f *fakeACL) Restore(_ context.Context, aclFile string) error {
	f.restored = append(f.restored, aclFile)
	return nil
}

type memCatalog struct {
	backups []catalog.Backup
}

func (m *memCatalog) RecordBackup(_ context.Context, b catalog.Backup) (int64, error) {
	m.backups = append(m.backups, b)
	return int64(len(m.backups)), nil
}

func (m *memCatalog) LatestBackup(_ context.Context, name string) (catalog.Backup, error) {
	for i := len(m.backups) - 1; i >= 0; i-- {
		if m.backups[i].Site == name {
			return m.backups[i], nil
		}
	}
	return catalog.Backup{}, catalog.ErrNotFound
}

func newSite(t *testing.T) site.Site {
	t.Helper()
	root := filepath.Join(t.TempDir(), "example.com")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "wp-content", "uploads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "wp-config.php"), []byte("<?php\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.php"), []byte("<?php\n"), 0o644))
	return site.New(root)
}

func newEngine(t *testing.T, clock int64) *Engine {
	t.Helper()
	return &Engine{
		Dir: filepath.Join(t.TempDir(), "backups"),
		Now: func() time.Time { return time.Unix(clock, 0) },
	}
}

func modeOf(t *testing.T, path string) os.FileMode {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Mode().Perm()
}

func TestBackupAndRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSite(t)
	e := newEngine(t, 1700000000)

	res, err := e.Backup(ctx, s, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "example.com-1700000000", res.BaseName)
	assert.Equal(t, 5, res.Entries)
	assert.Zero(t, res.Skipped)
	assert.Equal(t, os.FileMode(0o600), modeOf(t, res.PermsPath))

	config := s.Path(site.ConfigFile)
	require.NoError(t, os.Chmod(config, 0o600))
	require.NoError(t, os.Chmod(s.Path("index.php"), 0o640))

	rr, err := e.Restore(ctx, res.BaseName, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, rr.Applied)
	assert.Zero(t, rr.Failed)
	assert.Equal(t, s.Root, rr.SiteRoot)

	assert.Equal(t, os.FileMode(0o644), modeOf(t, config))
	assert.Equal(t, os.FileMode(0o644), modeOf(t, s.Path("index.php")))
}

func TestRestoreSkipsMissingEntries(t *testing.T) {
	ctx := context.Background()
	s := newSite(t)
	e := newEngine(t, 100)

	res, err := e.Backup(ctx, s, "")
	require.NoError(t, err)

	require.NoError(t, os.Remove(s.Path("index.php")))

	rr, err := e.Restore(ctx, res.BaseName, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rr.Missing)
	assert.Equal(t, 4, rr.Applied)
	_, err = os.Stat(s.Path("index.php"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "restore must not recreate files")
}

func TestRestoreIgnoresEntriesOutsideSiteRoot(t *testing.T) {
	ctx := context.Background()
	s := newSite(t)
	dir := t.TempDir()

	outside := filepath.Join(t.TempDir(), "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	uid, gid := strconv.Itoa(os.Getuid()), strconv.Itoa(os.Getgid())

	f, err := os.Create(filepath.Join(dir, "crafted.perms"))
	require.NoError(t, err)
	w, err := NewWriter(f, Header{SiteRoot: s.Root, Created: time.Unix(1, 0)})
	require.NoError(t, err)
	require.NoError(t, w.Write(Entry{Path: outside, User: uid, Group: gid, Mode: 0o777}))
	require.NoError(t, w.Write(Entry{Path: s.Path("index.php"), User: uid, Group: gid, Mode: 0o600}))
	require.NoError(t, w.Flush())
	require.NoError(t, f.Close())

	e := &Engine{Dir: dir}
	rr, err := e.Restore(ctx, "crafted", false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rr.Outside)
	assert.Equal(t, 1, rr.Applied)
	assert.Equal(t, os.FileMode(0o644), modeOf(t, outside))
	assert.Equal(t, os.FileMode(0o600), modeOf(t, s.Path("index.php")))
}

func TestRestoreDryRunChangesNothing(t *testing.T) {
	ctx := context.Background()
	s := newSite(t)
	e := newEngine(t, 100)

	res, err := e.Backup(ctx, s, "")
	require.NoError(t, err)
	require.NoError(t, os.Chmod(s.Path("index.php"), 0o600))

	out := &bytes.Buffer{}
	rr, err := e.Restore(ctx, res.BaseName, true, out)
	require.NoError(t, err)
	assert.Equal(t, 5, rr.Applied)
	assert.Contains(t, out.String(), "[dry-run] chown -h")
	assert.Equal(t, os.FileMode(0o600), modeOf(t, s.Path("index.php")))
}

func TestLatestAliasFollowsNewestBackup(t *testing.T) {
	ctx := context.Background()
	s := newSite(t)
	clock := int64(100)
	e := &Engine{Dir: filepath.Join(t.TempDir(), "b"), Now: func() time.Time { return time.Unix(clock, 0) }}

	first, err := e.Backup(ctx, s, "")
	require.NoError(t, err)
	clock = 200
	second, err := e.Backup(ctx, s, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.BaseName, second.BaseName)

	target, err := os.Readlink(filepath.Join(e.Dir, "example.com-latest.perms"))
	require.NoError(t, err)
	assert.Equal(t, "example.com-200.perms", target)

	resolved, err := e.Resolve(ctx, "example.com-latest")
	require.NoError(t, err)
	assert.Equal(t, second.PermsPath, resolved)

	resolved, err = e.Resolve(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, second.PermsPath, resolved)
}

func TestBackupSameSecondGetsDistinctName(t *testing.T) {
	ctx := context.Background()
	s := newSite(t)
	e := newEngine(t, 500)

	first, err := e.Backup(ctx, s, "")
	require.NoError(t, err)
	second, err := e.Backup(ctx, s, "")
	require.NoError(t, err)

	assert.Equal(t, "example.com-500", first.BaseName)
	assert.Equal(t, "example.com-501", second.BaseName)
	assert.FileExists(t, first.PermsPath)
}

func TestResolveFallsBackToCatalogAndNewestFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, name := range []string{"example.com-100.perms", "example.com-300.perms", "example.com-20.perms", "other.org-900.perms"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(formatHeader+"\n"), 0o600))
	}

	e := &Engine{Dir: dir}
	resolved, err := e.Resolve(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "example.com-300.perms"), resolved)

	cat := &memCatalog{backups: []catalog.Backup{{Site: "example.com", PermsPath: filepath.Join(dir, "example.com-100.perms")}}}
	e.Catalog = cat
	resolved, err = e.Resolve(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "example.com-100.perms"), resolved)
}

func TestRestoreWithoutBackup(t *testing.T) {
	e := &Engine{Dir: t.TempDir()}
	_, err := e.Restore(context.Background(), "nothing-here", false, nil)
	assert.ErrorIs(t, err, ErrNoBackup)
}

func TestBackupRecordsCatalogAndACL(t *testing.T) {
	ctx := context.Background()
	s := newSite(t)
	e := newEngine(t, 42)
	tool := &fakeACL{available: true}
	cat := &memCatalog{}
	e.ACL = tool
	e.Catalog = cat

	res, err := e.Backup(ctx, s, "run-7")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.Dir, "example.com-42.acl"), res.ACLPath)
	assert.Equal(t, []string{s.Root}, tool.dumped)

	require.Len(t, cat.backups, 1)
	assert.Equal(t, "run-7", cat.backups[0].RunID)
	assert.Equal(t, res.ACLPath, cat.backups[0].ACLPath)

	target, err := os.Readlink(filepath.Join(e.Dir, "example.com-latest.acl"))
	require.NoError(t, err)
	assert.Equal(t, "example.com-42.acl", target)

	rr, err := e.Restore(ctx, "example.com-latest", false, nil)
	require.NoError(t, err)
	assert.True(t, rr.ACLApplied)
	assert.Equal(t, []string{res.ACLPath}, tool.restored)
}

func TestBackupFailedACLDumpDropsStaleAlias(t *testing.T) {
	ctx := context.Background()
	s := newSite(t)
	clock := int64(10)
	tool := &fakeACL{available: true}
	e := &Engine{Dir: t.TempDir(), ACL: tool, Now: func() time.Time { return time.Unix(clock, 0) }}

	_, err := e.Backup(ctx, s, "")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(e.Dir, "example.com-latest.acl"))

	clock = 20
	tool.available = false
	res, err := e.Backup(ctx, s, "")
	require.NoError(t, err)
	assert.Empty(t, res.ACLPath)
	assert.NoFileExists(t, filepath.Join(e.Dir, "example.com-latest.acl"))
}

func TestBackupWarnsOnLowDiskSpace(t *testing.T) {
	orig := diskUsage
	diskUsage = func(string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Free: 1024}, nil
	}
	t.Cleanup(func() { diskUsage = orig })

	e := newEngine(t, 1)
	_, err := e.Backup(context.Background(), newSite(t), "")
	require.NoError(t, err)
}

func TestRecordFormatHandlesAwkwardPaths(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, Header{SiteRoot: "/var/www/my site", Created: time.Unix(7, 0)})
	require.NoError(t, err)
	awkward := "/var/www/my site/odd\tname\nwith newline"
	require.NoError(t, w.Write(Entry{Path: awkward, User: "www-data", Group: "www-data", Mode: 0o2755}))
	require.NoError(t, w.Flush())

	assert.Equal(t, 4, strings.Count(buf.String(), "\n"))

	r, err := NewReader(buf)
	require.NoError(t, err)
	assert.Equal(t, "/var/www/my site", r.Header().SiteRoot)
	assert.Equal(t, int64(7), r.Header().Created.Unix())

	entry, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, awkward, entry.Path)
	assert.Equal(t, uint32(0o2755), entry.Mode)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderRejectsMissingHeader(t *testing.T) {
	_, err := NewReader(strings.NewReader("\"/x\"\troot\troot\t0644\n"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestReaderRequiresFormatLine(t *testing.T) {
	tests := map[string]string{
		"site and created only": "# site: \"/var/www/x\"\n# created: 5\n\"/var/www/x\"\troot\troot\t0644\n",
		"other version":         "# wp-harden perms v2\n# site: \"/var/www/x\"\n# created: 5\n",
		"format line not first": "# site: \"/var/www/x\"\n# wp-harden perms v1\n# created: 5\n",
		"empty":                 "",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			r, err := NewReader(strings.NewReader(input))
			assert.ErrorIs(t, err, ErrUnknownFormat)
			assert.Nil(t, r)
		})
	}
}

func TestFileModeKeepsSpecialBits(t *testing.T) {
	assert.Equal(t, os.ModeSetgid|0o755, FileMode(0o2755))
	assert.Equal(t, os.ModeSetuid|os.ModeSticky|0o700, FileMode(0o5700))
}
