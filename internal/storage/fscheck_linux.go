//go:build linux

package storage

import "golang.org/x/sys/unix"

func fsTypeMagic(stat *unix.Statfs_t) int64 { return int64(stat.Type) }

func fsTypeName(*unix.Statfs_t) string { return "" }
