//go:build linux || darwin

package storage

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Linux statfs magic numbers for the remote filesystems we refuse.
var remoteMagic = map[uint64]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x517B:     "smbfs",
	0xFE534D42: "smb2",
}

func detectFilesystemType(path string) (string, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs: %w", err)
	}
	if runtime.GOOS == "darwin" {
		return fsTypeName(&st), nil
	}
	return magicName(uint64(fsTypeMagic(&st))), nil
}

func magicName(magic uint64) string {
	if name, ok := remoteMagic[magic]; ok {
		return name
	}
	return fmt.Sprintf("0x%x", magic)
}
