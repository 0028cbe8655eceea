package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListRastersSkipsSubdirsUnlessRecursive(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{"IMG_0002_1.TIF", "IMG_0001_1.tif", "notes.txt", "sub/IMG_0003_1.tiff"} {
		full := filepath.Join(root, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, nil, 0o644))
	}

	files, err := ListRasters(root, false)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "IMG_0001_1.tif"), filepath.Join(root, "IMG_0002_1.TIF")}, files)

	files, err = ListRasters(root, true)
	require.NoError(t, err)
	assert.Len(t, files, 3)

	assert.True(t, IsDir(root))
	assert.False(t, IsDir(filepath.Join(root, "notes.txt")))
}
