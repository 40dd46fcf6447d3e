package harden

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/example/wp-harden/internal/site"
)

func currentPolicy() Policy {
	uid := strconv.Itoa(os.Getuid())
	gid := strconv.Itoa(os.Getgid())
	return Policy{Owner: uid, Group: gid, WebServerGroup: gid}
}

func writeFile(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), mode))
	require.NoError(t, os.Chmod(path, mode))
}

func fullSite(t *testing.T) site.Site {
	t.Helper()
	root := filepath.Join(t.TempDir(), "html", "example.com")
	writeFile(t, filepath.Join(root, "wp-config.php"), 0o666)
	writeFile(t, filepath.Join(root, "wp-config-sample.php"), 0o644)
	writeFile(t, filepath.Join(root, "readme.html"), 0o644)
	writeFile(t, filepath.Join(root, "license.txt"), 0o644)
	writeFile(t, filepath.Join(root, "xmlrpc.php"), 0o644)
	writeFile(t, filepath.Join(root, ".htaccess"), 0o666)
	writeFile(t, filepath.Join(root, "wp-includes", "version.php"), 0o644)
	writeFile(t, filepath.Join(root, "wp-content", "plugins", "akismet", "akismet.php"), 0o600)
	writeFile(t, filepath.Join(root, "wp-content", "debug.log"), 0o666)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "wp-content", "uploads", "2024"), 0o777))
	return site.New(root)
}

type entryState struct {
	mode uint32
	uid  uint32
	gid  uint32
}

func treeState(t *testing.T, root string) map[string]entryState {
	t.Helper()
	state := map[string]entryState{}
	err := filepath.WalkDir(root, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			return err
		}
		state[path] = entryState{mode: uint32(st.Mode) & 0o7777, uid: st.Uid, gid: st.Gid}
		return nil
	})
	require.NoError(t, err)
	return state
}

func bitsOf(t *testing.T, path string) uint32 {
	t.Helper()
	var st unix.Stat_t
	require.NoError(t, unix.Lstat(path, &st))
	return uint32(st.Mode) & 0o7777
}

func TestPlanHasTenStepsInOrder(t *testing.T) {
	steps := Plan(site.New("/var/www/html/example.com"), Policy{Owner: "www-data", Group: "www-data", WebServerGroup: "www-data"})
	require.Len(t, steps, 10)
	assert.Equal(t, "Set ownership", steps[0].Name)
	assert.Equal(t, "Secure wp-config.php", steps[2].Name)
	assert.Equal(t, "Remove sample and readme files", steps[8].Name)
	assert.Equal(t, "Secure .htaccess", steps[9].Name)
	assert.Equal(t, "chown -R www-data:www-data /var/www/html/example.com", steps[0].Actions[0].Describe())
	assert.Equal(t, "chmod -R dirs=2755 files=0664 /var/www/html/example.com/wp-content", steps[3].Actions[1].Describe())
}

func TestHardenAppliesPolicy(t *testing.T) {
	s := fullSite(t)
	ex := &Executor{}

	report, err := ex.Run(context.Background(), Plan(s, currentPolicy()))
	require.NoError(t, err)
	require.False(t, report.Failed(), "unexpected errors: %v", report.Err())
	assert.Equal(t, 10, report.Steps)

	assert.Equal(t, uint32(0o755), bitsOf(t, s.Root))
	assert.Equal(t, uint32(0o600), bitsOf(t, s.Path("wp-config.php")))
	assert.Equal(t, uint32(0o2755), bitsOf(t, s.Path("wp-content")))
	assert.Equal(t, uint32(0o2755), bitsOf(t, s.Path("wp-content", "uploads", "2024")))
	assert.Equal(t, uint32(0o664), bitsOf(t, s.Path("wp-content", "plugins", "akismet", "akismet.php")))
	assert.Equal(t, uint32(0), bitsOf(t, s.Path("xmlrpc.php")))
	assert.Equal(t, uint32(0o750), bitsOf(t, s.Path("wp-includes")))
	assert.Equal(t, uint32(0o644), bitsOf(t, s.Path("wp-includes", "version.php")))
	assert.Equal(t, uint32(0), bitsOf(t, s.Path("wp-content", "debug.log")))
	assert.Equal(t, uint32(0o644), bitsOf(t, s.Path(".htaccess")))

	htaccess := s.Path("wp-content", "uploads", ".htaccess")
	data, err := os.ReadFile(htaccess)
	require.NoError(t, err)
	assert.Equal(t, UploadsHtaccess, string(data))
	assert.Equal(t, uint32(0o644), bitsOf(t, htaccess))

	for _, name := range RemovedFiles {
		assert.NoFileExists(t, s.Path(name))
	}
}

func TestHardenIsIdempotent(t *testing.T) {
	s := fullSite(t)
	steps := Plan(s, currentPolicy())

	first, err := (&Executor{}).Run(context.Background(), steps)
	require.NoError(t, err)
	require.False(t, first.Failed())
	after := treeState(t, s.Root)

	second, err := (&Executor{}).Run(context.Background(), steps)
	require.NoError(t, err)
	assert.False(t, second.Failed())
	assert.Equal(t, after, treeState(t, s.Root))
}

func TestDryRunDoesNotMutate(t *testing.T) {
	s := fullSite(t)
	before := treeState(t, s.Root)

	out := &bytes.Buffer{}
	ex := &Executor{DryRun: true, Out: out}
	report, err := ex.Run(context.Background(), Plan(s, currentPolicy()))
	require.NoError(t, err)
	assert.Equal(t, 10, report.Steps)
	assert.Zero(t, report.Actions)

	assert.Equal(t, before, treeState(t, s.Root))
	assert.NoFileExists(t, s.Path("wp-content", "uploads", ".htaccess"))

	text := out.String()
	for i, step := range Plan(s, currentPolicy()) {
		assert.Contains(t, text, "step "+strconv.Itoa(i+1)+"/10: "+step.Name)
	}
	assert.Contains(t, text, "rm -f "+s.Path("wp-config-sample.php"))
}

func TestMissingOptionalFilesAreSkipped(t *testing.T) {
	root := filepath.Join(t.TempDir(), "minimal")
	writeFile(t, filepath.Join(root, "wp-config.php"), 0o644)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "wp-content"), 0o755))
	s := site.New(root)

	report, err := (&Executor{}).Run(context.Background(), Plan(s, currentPolicy()))
	require.NoError(t, err)
	assert.False(t, report.Failed(), "unexpected errors: %v", report.Err())
	assert.Positive(t, report.Skipped)
	assert.NoFileExists(t, s.Path("wp-content", "uploads", ".htaccess"))
}

func TestFailingStepDoesNotStopLaterSteps(t *testing.T) {
	orig := lookupGroup
	lookupGroup = func(name string) (*user.Group, error) {
		return nil, user.UnknownGroupError(name)
	}
	t.Cleanup(func() { lookupGroup = orig })

	s := fullSite(t)
	policy := currentPolicy()
	policy.WebServerGroup = "no-such-webserver-group"

	report, err := (&Executor{}).Run(context.Background(), Plan(s, policy))
	require.NoError(t, err)
	require.True(t, report.Failed())

	var stepErr *StepError
	require.True(t, errors.As(report.Err(), &stepErr))
	assert.Equal(t, "Secure wp-config.php", stepErr.Step)
	assert.Contains(t, stepErr.Error(), "no-such-webserver-group")

	// Step 3 aborted before its chmod, later steps still ran.
	assert.Equal(t, uint32(0o644), bitsOf(t, s.Path("wp-config.php")))
	assert.Equal(t, uint32(0), bitsOf(t, s.Path("xmlrpc.php")))
	assert.NoFileExists(t, s.Path("readme.html"))
}

func TestCancelledContextStopsRun(t *testing.T) {
	s := fullSite(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := (&Executor{}).Run(ctx, Plan(s, currentPolicy()))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Actions)
	assert.FileExists(t, s.Path("readme.html"))
}

type recordingProgress struct {
	labels []string
}

func (p *recordingProgress) Run(label string, fn func() error) error {
	p.labels = append(p.labels, label)
	return fn()
}

func TestStepsRunThroughProgress(t *testing.T) {
	s := fullSite(t)
	progress := &recordingProgress{}

	_, err := (&Executor{Progress: progress}).Run(context.Background(), Plan(s, currentPolicy()))
	require.NoError(t, err)
	require.Len(t, progress.labels, 10)
	assert.True(t, strings.HasPrefix(progress.labels[0], "[1/10] "))
}

func TestSymlinksAreNotFollowed(t *testing.T) {
	s := fullSite(t)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	writeFile(t, outside, 0o600)
	require.NoError(t, os.Symlink(outside, s.Path("wp-content", "link.txt")))

	report, err := (&Executor{}).Run(context.Background(), Plan(s, currentPolicy()))
	require.NoError(t, err)
	assert.False(t, report.Failed(), "unexpected errors: %v", report.Err())
	assert.Equal(t, uint32(0o600), bitsOf(t, outside))
}

func TestOctal(t *testing.T) {
	assert.Equal(t, "2755", Octal(ContentDirMode))
	assert.Equal(t, "0000", Octal(LockedMode))
	assert.Equal(t, "0600", Octal(ConfigMode))
}
