package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedFS(fsType string, seen *string) fsDetector {
	return func(path string) (string, error) {
		if seen != nil {
			*seen = path
		}
		return fsType, nil
	}
}

func TestCheckLocalFS(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.db")

	require.NoError(t, checkLocalFS(path, fixedFS("ext4", nil)))

	err := checkLocalFS(path, fixedFS("NFS", nil))
	require.ErrorIs(t, err, ErrNetworkFilesystem)
	assert.Contains(t, err.Error(), "state.path")

	assert.Error(t, checkLocalFS("", fixedFS("ext4", nil)))
}

func TestCheckLocalFSInspectsExistingAncestor(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	var seen string
	require.NoError(t, checkLocalFS(filepath.Join(root, "a", "b", "state.db"), fixedFS("apfs", &seen)))
	assert.Equal(t, root, seen)
}

func TestIsRemoteFS(t *testing.T) {
	t.Parallel()
	for fs, want := range map[string]bool{
		"cifs":   true,
		" SMB2 ": true,
		"nfs4":   true,
		"tmpfs":  false,
		"0x6969": false,
	} {
		assert.Equal(t, want, isRemoteFS(fs), fs)
	}
}
