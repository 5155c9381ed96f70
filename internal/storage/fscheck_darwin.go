//go:build darwin

package storage

import "golang.org/x/sys/unix"

func fsTypeMagic(*unix.Statfs_t) int64 { return 0 }

func fsTypeName(stat *unix.Statfs_t) string {
	out := make([]byte, 0, len(stat.Fstypename))
	for _, b := range stat.Fstypename {
		if b == 0 {
			break
		}
		out = append(out, byte(b))
	}
	return string(out)
}
