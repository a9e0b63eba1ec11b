package store

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Backup archives the store directory as a single compressed tarball
// named opsplane-backup-<UTC timestamp>.tar.gz under outDir, and returns
// the archive path. Only usable with the SQLite backend.
func (s *Store) Backup(outDir string) (string, error) {
	if s.isPostgres {
		return "", fmt.Errorf("backup is only supported for the SQLite backend")
	}
	dir := s.dir
	if dir == "" {
		dir = "."
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102T150405Z")
	outPath := filepath.Join(outDir, "opsplane-backup-"+stamp+".tar.gz")

	f, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		tw.Close() //nolint:errcheck
		gw.Close() //nolint:errcheck
		return "", fmt.Errorf("archive store directory: %w", err)
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("close tar writer: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("close gzip writer: %w", err)
	}
	return outPath, nil
}
