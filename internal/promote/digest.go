package promote

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// Computes a deterministic content digest of a directory tree.
//
// The digest covers every entry's relative path, type, permission bits, and
// file content (or symlink target), visited in lexical walk order. Two
// trees with identical structure and content produce identical digests,
// which is how reproducibility of the pipeline is verified.
func TreeDigest(root string) (digest.Digest, error) {
	digester := digest.Canonical.Digester()
	h := digester.Hash()

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
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

		fmt.Fprintf(h, "%s\x00%s\x00%o\x00", rel, info.Mode().Type(), info.Mode().Perm())

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			io.WriteString(h, target)

		case info.Mode().IsRegular():
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(h, f)
			f.Close()
			if err != nil {
				return err
			}
		}

		io.WriteString(h, "\x00")
		return nil
	})
	if err != nil {
		return "", err
	}

	return digester.Digest(), nil
}
