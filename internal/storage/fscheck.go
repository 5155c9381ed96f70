package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem is returned when the state database would live on a
// share. The supervisor and every worker lock the same file, and those
// locks are unreliable over NFS and SMB.
var ErrNetworkFilesystem = errors.New("state database is on a network filesystem")

type fsDetector func(path string) (string, error)

var remoteFSTypes = []string{"afpfs", "cifs", "nfs", "nfs4", "smbfs", "smb2", "webdav"}

func requireLocalFS(path string) error {
	return checkLocalFS(path, detectFilesystemType)
}

func checkLocalFS(path string, detect fsDetector) error {
	if path == "" {
		return errors.New("state path is empty")
	}
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve state path %q: %w", path, err)
	}
	fsType, err := detect(dir)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}
	if isRemoteFS(fsType) {
		return fmt.Errorf("%w: %s is on %s; point state.path at local disk", ErrNetworkFilesystem, path, fsType)
	}
	return nil
}

// existingAncestor walks up from path until it finds something that exists,
// since the database file and its directory may not be created yet.
func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing ancestor of %s", path)
		}
		p = parent
	}
}

func isRemoteFS(fsType string) bool {
	fsType = strings.ToLower(strings.TrimSpace(fsType))
	for _, t := range remoteFSTypes {
		if fsType == t {
			return true
		}
	}
	return false
}
