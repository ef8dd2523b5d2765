package container

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"
)

// CopyWorkspace streams the host working directory into the container's
// workspace as a tar archive. Regular files, directories, and symlinks are
// carried over; everything else (sockets, devices) is skipped.
func (r *Runtime) CopyWorkspace(ctx context.Context, containerID, hostDir string) error {
	abs, err := filepath.Abs(hostDir)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return fmt.Errorf("workspace path is not a directory: %s", hostDir)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeWorkspaceTar(abs, pw))
	}()

	if err := r.cli.CopyToContainer(ctx, containerID, WorkspaceDir, pr, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy workspace into container: %w", err)
	}
	r.logger.Info("workspace copied into container",
		zap.String("container_id", containerID[:12]), zap.String("host_dir", abs))
	return nil
}

// writeWorkspaceTar writes hostDir's contents (not the directory itself)
// into w as a tar stream with paths relative to the workspace root.
func writeWorkspaceTar(hostDir string, w io.Writer) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	err := filepath.WalkDir(hostDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(hostDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		case !info.Mode().IsRegular() && !info.IsDir():
			// Sockets, pipes, devices.
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive workspace: %w", err)
	}
	return nil
}
