// Package archive assembles the staging directory into one named,
// compressed bundle and retires the staging area once the bundle is
// confirmed written.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/diagcollect/diagcollect/internal/collect"
	"github.com/diagcollect/diagcollect/internal/core"
	"github.com/diagcollect/diagcollect/internal/runctx"
	"github.com/diagcollect/diagcollect/internal/target"
)

// FileEntry describes one file inside the bundle.
type FileEntry struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// Manifest is written into the bundle as manifest.yaml and kept on the
// Archive value for the run summary and the history index.
type Manifest struct {
	RunID     string            `yaml:"run_id"`
	Host      string            `yaml:"host"`
	Target    string            `yaml:"target"`
	CreatedAt time.Time         `yaml:"created_at"`
	Summary   collect.Summary   `yaml:"summary"`
	Outcomes  []collect.Outcome `yaml:"outcomes"`
	Files     []FileEntry       `yaml:"files"`
}

// Archive is the finished bundle. Immutable once written; owned solely
// by the builder that produced it.
type Archive struct {
	Path      string
	CreatedAt time.Time
	Manifest  Manifest
}

// Ownership is the uid/gid produced files are normalized to when the
// collector ran as root on behalf of a non-privileged operator.
type Ownership struct {
	UID int
	GID int
}

// InvokerOwnership derives the ownership target from the sudo
// environment. Nil when the process is not root or was not invoked via
// sudo; nothing needs normalizing then.
func InvokerOwnership() *Ownership {
	if os.Geteuid() != 0 {
		return nil
	}
	uid, err := strconv.Atoi(os.Getenv("SUDO_UID"))
	if err != nil || uid == 0 {
		return nil
	}
	gid, err := strconv.Atoi(os.Getenv("SUDO_GID"))
	if err != nil {
		gid = uid
	}
	return &Ownership{UID: uid, GID: gid}
}

// Builder produces archives into OutDir.
type Builder struct {
	OutDir string
	Owner  *Ownership
	Logger *slog.Logger
}

// Name returns the deterministic bundle name for a run:
// diagnostics-<host>-<binary-or-command>-<pid-or-corefile>-<timestamp>.tar.gz
// with one-second timestamp granularity for collision avoidance.
func Name(rc runctx.RunContext, tgt *target.Target, at time.Time) string {
	command := tgt.Command
	if command == "" {
		command = "unknown"
	}
	return fmt.Sprintf("diagnostics-%s-%s-%s-%s.tar.gz",
		rc.Hostname, command, tgt.Identifier(), at.Format("20060102-150405"))
}

// Build compresses the staging directory's full contents, including
// the running log, into one bundle. The staging directory is deleted
// only after the bundle is verified on disk; on any failure it is
// preserved and the error surfaced.
func (b *Builder) Build(staging *collect.Staging, rc runctx.RunContext, tgt *target.Target, outcomes []collect.Outcome) (*Archive, error) {
	createdAt := time.Now()
	manifest := Manifest{
		RunID:     rc.RunID,
		Host:      rc.Hostname,
		Target:    tgt.Identifier(),
		CreatedAt: createdAt,
		Summary:   collect.Summarize(outcomes),
		Outcomes:  outcomes,
	}

	// The running log must be complete before it is packed.
	if err := staging.Close(); err != nil {
		return nil, core.ErrSetup("LOG_CLOSE", "cannot finalize running log").WithCause(err)
	}

	entries, err := stagingEntries(staging.Dir())
	if err != nil {
		return nil, core.ErrSetup("STAGING_READ",
			fmt.Sprintf("cannot enumerate staging directory %s", staging.Dir())).WithCause(err)
	}
	manifest.Files = entries

	manifestData, err := yaml.Marshal(&manifest)
	if err != nil {
		return nil, core.ErrSetup("MANIFEST_ENCODE", "cannot encode manifest").WithCause(err)
	}
	if err := renameio.WriteFile(filepath.Join(staging.Dir(), "manifest.yaml"), manifestData, 0o600); err != nil {
		return nil, core.ErrSetup("MANIFEST_WRITE", "cannot write manifest into staging").WithCause(err)
	}

	if err := os.MkdirAll(b.OutDir, 0o750); err != nil {
		return nil, core.ErrSetup("ARCHIVE_DIR",
			fmt.Sprintf("cannot create archive directory %s", b.OutDir)).WithCause(err)
	}
	path := filepath.Join(b.OutDir, Name(rc, tgt, createdAt))

	if err := b.compress(staging.Dir(), path); err != nil {
		// Leave staging in place so the operator can salvage the
		// artifacts by hand.
		return nil, core.ErrSetup("ARCHIVE_WRITE",
			fmt.Sprintf("cannot write archive %s; staging preserved at %s", path, staging.Dir())).WithCause(err)
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil, core.ErrSetup("ARCHIVE_VERIFY",
			fmt.Sprintf("archive %s missing after write; staging preserved at %s", path, staging.Dir())).WithCause(err)
	}

	if b.Owner != nil {
		if err := os.Chown(path, b.Owner.UID, b.Owner.GID); err != nil {
			b.Logger.Warn("cannot normalize archive ownership",
				"path", path, "uid", b.Owner.UID, "error", err)
		}
	}

	if err := staging.Remove(); err != nil {
		b.Logger.Warn("cannot remove staging directory", "dir", staging.Dir(), "error", err)
	}

	return &Archive{Path: path, CreatedAt: createdAt, Manifest: manifest}, nil
}

// stagingEntries lists regular files in the flat staging directory
// with their sizes and digests, sorted by name for a deterministic
// manifest.
func stagingEntries(dir string) ([]FileEntry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	entries := make([]FileEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		full := filepath.Join(dir, de.Name())
		info, err := de.Info()
		if err != nil {
			return nil, err
		}
		digest, err := fileSHA256(full)
		if err != nil {
			return nil, err
		}
		entries = append(entries, FileEntry{Path: de.Name(), Size: info.Size(), SHA256: digest})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// compress packs the staging directory's regular files flat into a
// gzip tarball.
func (b *Builder) compress(dir, dst string) error {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	fail := func(err error) error {
		_ = tw.Close()
		_ = gz.Close()
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return fail(err)
	}
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		if err := addFile(tw, filepath.Join(dir, de.Name()), de.Name()); err != nil {
			return fail(err)
		}
	}

	if err := tw.Close(); err != nil {
		return fail(err)
	}
	if err := gz.Close(); err != nil {
		return fail(err)
	}
	if err := out.Sync(); err != nil {
		return fail(err)
	}
	return out.Close()
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
