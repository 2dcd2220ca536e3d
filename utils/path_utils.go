package utils

import (
	"path/filepath"
	"strings"
)

const (
	FolderSuffix string = "/"
)

// IsFolder reports whether an archive member name denotes a directory by
// the trailing-slash TAR convention.
func IsFolder(path string) bool {
	return strings.HasSuffix(path, FolderSuffix)
}

// In Windows, filepath.Clean operation will replace all slashes '/'
// to backslashes '\\'
// This can mess-up with code making path comparisons against the
// forward-slash archive convention.
func CleanPathKeepingUnixSlash(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}

func JoinPathKeepingUnixSlash(elem ...string) string {
	return filepath.ToSlash(filepath.Join(elem...))
}

// ParentDirUnixSlash returns the forward-slash parent of a relative member
// path, "" for top-level members.
func ParentDirUnixSlash(path string) string {
	dir := CleanPathKeepingUnixSlash(filepath.Dir(filepath.FromSlash(path)))
	if dir == "." {
		return ""
	}
	return dir
}
