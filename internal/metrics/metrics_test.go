package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.SiteResult(true)
	r.SiteResult(true)
	r.SiteResult(false)
	r.StepFailed("example.com", "Secure wp-content")
	r.CheckFailed("example.com", "config-mode")
	r.BackupWritten("example.com", 128)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.SitesTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.SitesTotal.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.StepFailures.WithLabelValues("example.com", "Secure wp-content")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CheckFailures.WithLabelValues("example.com", "config-mode")))
	assert.Equal(t, 128.0, testutil.ToFloat64(r.BackupEntries.WithLabelValues("example.com")))
}

func TestRunFinished(t *testing.T) {
	r := New()
	started := time.Unix(1000, 0)
	r.RunFinished(started, started.Add(3*time.Second), true)

	assert.Equal(t, 1003.0, testutil.ToFloat64(r.LastRunTimestamp))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.RunDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.RunFailed))
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.SiteResult(false)

	path := filepath.Join(t.TempDir(), "textfile", "wp_harden.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `wp_harden_sites_total{result="failure"} 1`)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.SiteResult(true)
	r.StepFailed("a", "b")
	r.RunFinished(time.Now(), time.Now(), false)
	r.CheckFailed("a", "config-mode")
	r.BackupWritten("a", 3)
	assert.NoError(t, r.WriteTextfile("/nonexistent/x.prom"))
}
