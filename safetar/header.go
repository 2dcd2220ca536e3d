package safetar

import (
	"archive/tar"
	"io/fs"
	"strings"
	"time"

	"github.com/barseghyanartur/safetar/utils"
)

// MemberType is the strongly-typed classification of an archive member.
type MemberType int

const (
	TypeReg MemberType = iota
	TypeDir
	TypeSymlink
	TypeHardlink
	TypeCharDev
	TypeBlockDev
	TypeFifo
	TypeSparse
	TypeUnknown
)

func (t MemberType) String() string {
	switch t {
	case TypeReg:
		return "regular"
	case TypeDir:
		return "directory"
	case TypeSymlink:
		return "symlink"
	case TypeHardlink:
		return "hardlink"
	case TypeCharDev:
		return "character device"
	case TypeBlockDev:
		return "block device"
	case TypeFifo:
		return "FIFO"
	case TypeSparse:
		return "sparse"
	}
	return "unknown"
}

// MemberHeader is the Guard's input: one archive header, decoded but not
// yet trusted.
type MemberHeader struct {
	Name    string
	RawName []byte
	Type    MemberType
	Size    int64
	Mode    int64
	UID     int
	GID     int
	ModTime time.Time

	// LinkTarget is the raw link target for symlink and hardlink members.
	LinkTarget string

	// PAX overrides, with presence flags distinct from empty values.
	PAXPath     string
	HasPAXPath  bool
	PAXLinkPath string
	HasPAXLink  bool
	PAXSize     string
	HasPAXSize  bool
}

// memberHeaderFromTar classifies a raw tar header. GNU long-name
// continuations and PAX per-file records are already folded into the
// header by archive/tar before it reaches us.
func memberHeaderFromTar(h *tar.Header) MemberHeader {
	mh := MemberHeader{
		Name:       h.Name,
		RawName:    []byte(h.Name),
		Size:       h.Size,
		Mode:       h.Mode,
		UID:        h.Uid,
		GID:        h.Gid,
		ModTime:    h.ModTime,
		LinkTarget: h.Linkname,
	}
	if v, ok := h.PAXRecords["path"]; ok {
		mh.PAXPath, mh.HasPAXPath = v, true
	}
	if v, ok := h.PAXRecords["linkpath"]; ok {
		mh.PAXLinkPath, mh.HasPAXLink = v, true
	}
	if v, ok := h.PAXRecords["size"]; ok {
		mh.PAXSize, mh.HasPAXSize = v, true
	}
	mh.Type = classify(h)
	return mh
}

func classify(h *tar.Header) MemberType {
	if isSparse(h) {
		return TypeSparse
	}
	switch h.Typeflag {
	case tar.TypeReg, tar.TypeRegA, tar.TypeCont:
		// Old archives mark directories as regular entries with a
		// trailing slash.
		if utils.IsFolder(h.Name) {
			return TypeDir
		}
		return TypeReg
	case tar.TypeDir:
		return TypeDir
	case tar.TypeSymlink:
		return TypeSymlink
	case tar.TypeLink:
		return TypeHardlink
	case tar.TypeChar:
		return TypeCharDev
	case tar.TypeBlock:
		return TypeBlockDev
	case tar.TypeFifo:
		return TypeFifo
	}
	return TypeUnknown
}

// isSparse detects GNU sparse members by type code or by the PAX
// GNU.sparse.* annotations some producers attach to regular entries.
func isSparse(h *tar.Header) bool {
	if h.Typeflag == tar.TypeGNUSparse {
		return true
	}
	for k := range h.PAXRecords {
		if strings.HasPrefix(k, "GNU.sparse.") {
			return true
		}
	}
	return false
}

// ResolvedMember is the Guard's accepted, normalised output.
type ResolvedMember struct {
	// Path is the canonical relative path, forward slashes, no leading
	// separator, no "." or ".." components.
	Path string
	// Type is the effective type; sparse members accepted under
	// SparseMaterialise are downgraded to TypeReg.
	Type       MemberType
	Size       int64
	Mode       fs.FileMode
	UID        int
	GID        int
	ModTime    time.Time
	LinkTarget string
}
