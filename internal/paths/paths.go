package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	toolName = "kiln"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the root directory for transient build state.
//
//	Linux:   $XDG_CACHE_HOME/kiln or ~/.cache/kiln
//	macOS:   ~/Library/Caches/kiln
func Cache() string {
	return filepath.Join(xdg.CacheHome, toolName)
}

// Path to the directory holding per-invocation build scratch space.
//
// Each build invocation creates its own subdirectory here and removes it
// when the invocation completes.
func Builds() string {
	return filepath.Join(Cache(), "builds")
}
