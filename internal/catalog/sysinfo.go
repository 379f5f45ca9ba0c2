package catalog

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/shirou/gopsutil/v3/host"
	"gopkg.in/yaml.v3"

	"github.com/diagcollect/diagcollect/internal/fsutil"
)

// sysinfoReport is the structured hardware and OS inventory written as
// the sysinfo artifact. Every section is best-effort; a probe that
// fails on this host simply leaves its section empty.
type sysinfoReport struct {
	Hostname        string `yaml:"hostname"`
	OS              string `yaml:"os"`
	Platform        string `yaml:"platform"`
	PlatformVersion string `yaml:"platform_version"`
	KernelVersion   string `yaml:"kernel_version"`
	KernelArch      string `yaml:"kernel_arch"`
	UptimeSeconds   uint64 `yaml:"uptime_seconds"`

	CPU    string   `yaml:"cpu,omitempty"`
	Cores  uint32   `yaml:"cores,omitempty"`
	Memory string   `yaml:"memory,omitempty"`
	Disks  []string `yaml:"disks,omitempty"`
}

// sysinfoAction writes a structured hardware/OS inventory.
func sysinfoAction(ctx context.Context, env *Env) ([]string, error) {
	report := sysinfoReport{}

	if info, err := host.Info(); err == nil {
		report.Hostname = info.Hostname
		report.OS = info.OS
		report.Platform = info.Platform
		report.PlatformVersion = info.PlatformVersion
		report.KernelVersion = info.KernelVersion
		report.KernelArch = info.KernelArch
		report.UptimeSeconds = info.Uptime
	}

	if cpu, err := ghw.CPU(); err == nil && len(cpu.Processors) > 0 {
		report.CPU = cpu.Processors[0].Model
		report.Cores = cpu.TotalCores
	}
	if memory, err := ghw.Memory(); err == nil {
		report.Memory = fmt.Sprintf("%d MB physical", memory.TotalPhysicalBytes/(1<<20))
	}
	if block, err := ghw.Block(); err == nil {
		for _, d := range block.Disks {
			report.Disks = append(report.Disks,
				fmt.Sprintf("%s %d GB %s", d.Name, d.SizeBytes/(1<<30), d.DriveType.String()))
		}
	}

	data, err := yaml.Marshal(&report)
	if err != nil {
		return nil, err
	}
	dst := filepath.Join(env.StagingDir, "sysinfo.yaml")
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return nil, err
	}
	return []string{"sysinfo.yaml"}, nil
}

// librariesAction writes the shared-library manifest and a secondary
// tarball of the referenced libraries, so the backtrace can be
// re-symbolized on another host.
func librariesAction(ctx context.Context, env *Env) ([]string, error) {
	libs, err := mapsLibraries(env)
	if err != nil {
		return nil, err
	}
	if len(libs) == 0 {
		return nil, fmt.Errorf("no shared libraries referenced by target")
	}

	manifest := filepath.Join(env.StagingDir, "libraries.txt")
	if err := os.WriteFile(manifest, []byte(strings.Join(libs, "\n")+"\n"), 0o600); err != nil {
		return nil, err
	}
	artifacts := []string{"libraries.txt"}

	tarball := filepath.Join(env.StagingDir, "libraries.tar.gz")
	if err := tarFiles(tarball, libs); err != nil {
		// The manifest alone still has value; keep it and surface the
		// tarball failure.
		return artifacts, fmt.Errorf("packing libraries: %w", err)
	}
	return append(artifacts, "libraries.tar.gz"), nil
}

// tarFiles packs the given absolute paths into a gzip tarball, storing
// them under their full path minus the leading slash. Unreadable
// libraries are listed but skipped.
func tarFiles(dst string, paths []string) error {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, p := range paths {
		if err := addFileToTar(tw, p); err != nil && !os.IsNotExist(err) && !os.IsPermission(err) {
			_ = tw.Close()
			_ = gz.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addFileToTar(tw *tar.Writer, path string) error {
	if !fsutil.FileExists(path) {
		return os.ErrNotExist
	}
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
	hdr.Name = strings.TrimPrefix(path, "/")
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
