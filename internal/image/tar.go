package image

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Writes a directory tree to w as a deterministic tar stream.
//
// Entries are visited in lexical order. Timestamps are pinned to the epoch
// and ownership is normalized to root so the archive depends only on tree
// content. Paths listed in skip (relative to root) are omitted.
func writeTar(w io.Writer, root string, skip map[string]bool) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." || skip[rel] {
			return nil
		}

		return writeTarEntry(tw, path, filepath.ToSlash(rel), d)
	})
	if err != nil {
		return err
	}

	return tw.Close()
}

// Writes a single file, directory, or symlink entry to a tar writer.
func writeTarEntry(tw *tar.Writer, hostPath, archivePath string, d os.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(hostPath); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = archivePath
	if info.IsDir() {
		header.Name += "/"
	}

	// Normalize everything that varies between hosts.
	header.ModTime = time.Unix(0, 0)
	header.AccessTime = time.Time{}
	header.ChangeTime = time.Time{}
	header.Uid = 0
	header.Gid = 0
	header.Uname = ""
	header.Gname = ""

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(hostPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	return nil
}
