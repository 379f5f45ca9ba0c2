package archive

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/diagcollect/diagcollect/internal/collect"
	"github.com/diagcollect/diagcollect/internal/core"
	"github.com/diagcollect/diagcollect/internal/logging"
	"github.com/diagcollect/diagcollect/internal/runctx"
	"github.com/diagcollect/diagcollect/internal/target"
)

func testRunContext(t *testing.T) runctx.RunContext {
	t.Helper()
	return runctx.RunContext{
		RunID:       "run-0001",
		Hostname:    "testhost",
		StartedAt:   time.Now(),
		StagingRoot: t.TempDir(),
		ArchiveDir:  t.TempDir(),
	}
}

func populatedStaging(t *testing.T, rc runctx.RunContext) *collect.Staging {
	t.Helper()
	staging, err := collect.NewStaging(rc.StagingRoot, rc.RunID)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(staging.Dir(), "os-release.txt"), []byte("ID=fedora\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(staging.Dir(), "uname.txt"), []byte("Linux testhost 6.8\n"), 0o600))
	staging.Logf("completed os-release")
	staging.Logf("completed uname")
	return staging
}

func readTarball(t *testing.T, path string) map[string][]byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	contents := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		contents[hdr.Name] = data
	}
	return contents
}

func TestNameFormat(t *testing.T) {
	rc := runctx.RunContext{Hostname: "web01"}
	at := time.Date(2026, 8, 29, 14, 30, 5, 0, time.UTC)

	live := &target.Target{Kind: target.Live, PID: 4242, Command: "payments"}
	assert.Equal(t, "diagnostics-web01-payments-4242-20260829-143005.tar.gz", Name(rc, live, at))

	pm := &target.Target{Kind: target.PostMortem, CorePath: "/var/crash/core.payments.9", Command: "payments"}
	assert.Equal(t, "diagnostics-web01-payments-core.payments.9-20260829-143005.tar.gz", Name(rc, pm, at))

	anon := &target.Target{Kind: target.Live, PID: 7}
	assert.Equal(t, "diagnostics-web01-unknown-7-20260829-143005.tar.gz", Name(rc, anon, at))
}

func TestNameChangesAcrossSeconds(t *testing.T) {
	rc := runctx.RunContext{Hostname: "web01"}
	tgt := &target.Target{Kind: target.Live, PID: 1, Command: "init"}

	at := time.Date(2026, 8, 29, 14, 30, 5, 0, time.UTC)
	assert.NotEqual(t, Name(rc, tgt, at), Name(rc, tgt, at.Add(time.Second)))
}

func TestBuildPacksStagingAndRemovesIt(t *testing.T) {
	rc := testRunContext(t)
	staging := populatedStaging(t, rc)
	stagingDir := staging.Dir()
	tgt := &target.Target{Kind: target.Live, PID: 4242, Command: "payments"}
	outcomes := []collect.Outcome{
		{ID: "os-release", Status: collect.StatusCompleted},
		{ID: "uname", Status: collect.StatusCompleted},
		{ID: "thread-backtrace", Status: collect.StatusSkipped, Reason: "tool not found: gdb"},
	}

	b := &Builder{OutDir: rc.ArchiveDir, Logger: logging.NewNop().Logger}
	archive, err := b.Build(staging, rc, tgt, outcomes)
	require.NoError(t, err)

	info, err := os.Stat(archive.Path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	assert.Equal(t, rc.ArchiveDir, filepath.Dir(archive.Path))

	_, statErr := os.Stat(stagingDir)
	assert.True(t, os.IsNotExist(statErr), "staging is retired once the bundle is verified")

	contents := readTarball(t, archive.Path)
	assert.Contains(t, contents, "os-release.txt")
	assert.Contains(t, contents, "uname.txt")
	assert.Contains(t, contents, collect.LogFileName)
	assert.Contains(t, contents, "manifest.yaml")
	assert.Equal(t, "ID=fedora\n", string(contents["os-release.txt"]))
	assert.Contains(t, string(contents[collect.LogFileName]), "completed os-release")
}

func TestBuildManifestAccountsForEveryFile(t *testing.T) {
	rc := testRunContext(t)
	staging := populatedStaging(t, rc)
	tgt := &target.Target{Kind: target.Live, PID: 4242, Command: "payments"}
	outcomes := []collect.Outcome{{ID: "os-release", Status: collect.StatusCompleted}}

	b := &Builder{OutDir: rc.ArchiveDir, Logger: logging.NewNop().Logger}
	archive, err := b.Build(staging, rc, tgt, outcomes)
	require.NoError(t, err)

	var manifest Manifest
	contents := readTarball(t, archive.Path)
	require.NoError(t, yaml.Unmarshal(contents["manifest.yaml"], &manifest))

	assert.Equal(t, rc.RunID, manifest.RunID)
	assert.Equal(t, "testhost", manifest.Host)
	assert.Equal(t, "4242", manifest.Target)
	assert.Equal(t, 1, manifest.Summary.Completed)

	byPath := map[string]FileEntry{}
	for _, fe := range manifest.Files {
		byPath[fe.Path] = fe
	}
	require.Contains(t, byPath, "os-release.txt")
	require.Contains(t, byPath, "uname.txt")
	require.Contains(t, byPath, collect.LogFileName,
		"the running log is part of the manifest")

	assert.Equal(t, int64(len("ID=fedora\n")), byPath["os-release.txt"].Size)
	assert.Len(t, byPath["os-release.txt"].SHA256, 64)

	// Entries are sorted for determinism.
	for i := 1; i < len(manifest.Files); i++ {
		assert.Less(t, manifest.Files[i-1].Path, manifest.Files[i].Path)
	}
}

func TestBuildFailurePreservesStaging(t *testing.T) {
	rc := testRunContext(t)
	staging := populatedStaging(t, rc)
	tgt := &target.Target{Kind: target.Live, PID: 1, Command: "init"}

	// An unwritable output directory forces the archive write to fail.
	outDir := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(outDir, []byte("not a directory"), 0o600))

	b := &Builder{OutDir: outDir, Logger: logging.NewNop().Logger}
	_, err := b.Build(staging, rc, tgt, nil)
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))

	_, statErr := os.Stat(staging.Dir())
	assert.NoError(t, statErr, "staging survives so artifacts can be salvaged")
}

func TestInvokerOwnershipNonRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("meaningful only for unprivileged callers")
	}
	assert.Nil(t, InvokerOwnership())
}
