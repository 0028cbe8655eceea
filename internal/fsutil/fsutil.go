package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var rasterExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
	".jpg":  {},
	".jpeg": {},
	".png":  {},
}

// ListRasters returns raster-like files in root, sorted. Subdirectories are
// walked only when recursive is set.
func ListRasters(root string, recursive bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if IsRasterFile(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// IsRasterFile checks the extension against the supported raster formats.
func IsRasterFile(path string) bool {
	_, ok := rasterExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}
