package safetar

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/barseghyanartur/safetar/safetar_errors"
)

// Conservative cross-platform bound on member path length.
const maxMemberNameLen = 4096

// Upper bound of the clamped mtime range.
const maxTimestamp = int64(1)<<32 - 1

// Guard validates a single member header under a policy. It holds no
// mutable state across members and never touches the filesystem.
type Guard struct {
	policy Policy
	euid   int
	egid   int
}

func NewGuard(policy Policy) *Guard {
	return &Guard{
		policy: policy,
		euid:   os.Geteuid(),
		egid:   os.Getegid(),
	}
}

// Verdict is the Guard's non-error output. Either Member is set (accept)
// or Skip is true (member silently dropped per policy, with an event).
type Verdict struct {
	Member     *ResolvedMember
	Skip       bool
	SkipReason string
	// Clamped records fields rewritten during sanitisation, for event
	// emission by the caller.
	Clamped map[string]string
}

// Check validates hdr and either produces a normalised ResolvedMember, a
// skip verdict, or a tagged rejection error.
func (g *Guard) Check(hdr MemberHeader) (Verdict, error) {
	canonical, err := g.canonicalName(hdr)
	if err != nil {
		return Verdict{}, err
	}

	effType := hdr.Type
	switch hdr.Type {
	case TypeCharDev, TypeBlockDev, TypeFifo, TypeUnknown:
		return Verdict{}, safetar_errors.Newf(safetar_errors.ForbiddenType,
			"forbidden member type (%s)", hdr.Type).
			WithPath(canonical).
			WithDetail("member_type", hdr.Type.String())
	case TypeSparse:
		if g.policy.SparsePolicy == SparseReject {
			return Verdict{}, safetar_errors.New(safetar_errors.SparsePolicy,
				"sparse member rejected by policy").
				WithPath(canonical)
		}
		// MATERIALISE: holes are written densely by the streamer.
		effType = TypeReg
	case TypeSymlink:
		switch g.policy.SymlinkPolicy {
		case SymlinkReject:
			return Verdict{}, safetar_errors.New(safetar_errors.SymlinkPolicy,
				"symlink member rejected by policy").
				WithPath(canonical).
				WithDetail("link_target", hdr.LinkTarget)
		case SymlinkIgnore:
			return Verdict{Skip: true, SkipReason: "symlink_policy_ignore"}, nil
		}
	case TypeHardlink:
		if g.policy.HardlinkPolicy == HardlinkReject {
			return Verdict{}, safetar_errors.New(safetar_errors.HardlinkPolicy,
				"hardlink member rejected by policy").
				WithPath(canonical).
				WithDetail("link_target", hdr.LinkTarget)
		}
	}

	if err := g.checkDeclaredSize(hdr, canonical); err != nil {
		return Verdict{}, err
	}

	target, err := g.linkTarget(hdr, canonical, effType)
	if err != nil {
		return Verdict{}, err
	}

	clamped := map[string]string{}
	member := &ResolvedMember{
		Path:       canonical,
		Type:       effType,
		Size:       hdr.Size,
		Mode:       g.sanitiseMode(hdr, clamped),
		ModTime:    g.sanitiseModTime(hdr, clamped),
		LinkTarget: target,
	}
	member.UID, member.GID = g.sanitiseOwnership(hdr)
	if len(clamped) == 0 {
		clamped = nil
	}
	return Verdict{Member: member, Clamped: clamped}, nil
}

// canonicalName derives and validates the canonical relative path of hdr.
func (g *Guard) canonicalName(hdr MemberHeader) (string, error) {
	name := hdr.Name
	if hdr.HasPAXPath {
		// The PAX override is validated on its own even when it matches
		// the ustar name.
		if err := validateRawName(hdr.PAXPath); err != nil {
			return "", err
		}
		name = hdr.PAXPath
	}
	if err := validateRawName(name); err != nil {
		return "", err
	}

	name = norm.NFC.String(name)

	if strings.ContainsRune(name, '\\') {
		return "", safetar_errors.New(safetar_errors.UnsafePath,
			"backslash separator in member name").
			WithDetail("name", truncateForDetail(name))
	}
	if strings.HasPrefix(name, "/") {
		return "", safetar_errors.New(safetar_errors.UnsafePath,
			"absolute path in member name").
			WithDetail("name", truncateForDetail(name))
	}
	if isDriveLetterPath(name) {
		return "", safetar_errors.New(safetar_errors.UnsafePath,
			"absolute drive-letter path in member name").
			WithDetail("name", truncateForDetail(name))
	}

	var parts []string
	for _, part := range strings.Split(name, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", safetar_errors.New(safetar_errors.UnsafePath,
				"path traversal component in member name").
				WithDetail("name", truncateForDetail(name))
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return "", safetar_errors.New(safetar_errors.UnsafePath,
			"member name resolves to empty path").
			WithDetail("name", truncateForDetail(name))
	}
	canonical := strings.Join(parts, "/")

	// Defensive cross-check against the standard library's own notion of
	// a local path. Its acceptance is not blanket approval; its rejection
	// is one more reason to refuse.
	if !filepath.IsLocal(filepath.FromSlash(canonical)) {
		return "", safetar_errors.New(safetar_errors.UnsafePath,
			"member name fails stdlib locality check").
			WithDetail("name", truncateForDetail(canonical))
	}
	return canonical, nil
}

func validateRawName(name string) error {
	if strings.TrimSpace(name) == "" {
		return safetar_errors.New(safetar_errors.UnsafePath, "empty member name")
	}
	if strings.ContainsRune(name, 0) {
		return safetar_errors.New(safetar_errors.UnsafePath,
			"NUL byte in member name").
			WithDetail("name", truncateForDetail(name))
	}
	if len(name) > maxMemberNameLen {
		return safetar_errors.Newf(safetar_errors.UnsafePath,
			"member name length %d exceeds %d", len(name), maxMemberNameLen)
	}
	return nil
}

func isDriveLetterPath(name string) bool {
	if len(name) < 3 {
		return false
	}
	c := name[0]
	letter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
	return letter && name[1] == ':' && (name[2] == '/' || name[2] == '\\')
}

func (g *Guard) checkDeclaredSize(hdr MemberHeader, canonical string) error {
	if hdr.Size < 0 {
		return safetar_errors.Newf(safetar_errors.MalformedArchive,
			"negative declared size %d", hdr.Size).
			WithPath(canonical)
	}
	if hdr.HasPAXSize {
		if _, err := strconv.ParseUint(hdr.PAXSize, 10, 63); err != nil {
			return safetar_errors.Newf(safetar_errors.MalformedArchive,
				"unparseable PAX size record %q", hdr.PAXSize).
				WithPath(canonical)
		}
	}
	// Header sizes are never authoritative; the streamer re-checks the
	// written count. A declared size already over budget fails before any
	// payload byte is read.
	if (hdr.Type == TypeReg || hdr.Type == TypeSparse) && uint64(hdr.Size) > g.policy.MaxFileSize {
		return safetar_errors.Newf(safetar_errors.FileTooLarge,
			"declared size %d exceeds max_file_size %d", hdr.Size, g.policy.MaxFileSize).
			WithPath(canonical).
			WithDetail("limit", strconv.FormatUint(g.policy.MaxFileSize, 10)).
			WithDetail("declared", strconv.FormatInt(hdr.Size, 10))
	}
	return nil
}

func (g *Guard) linkTarget(hdr MemberHeader, canonical string, effType MemberType) (string, error) {
	if effType != TypeSymlink && effType != TypeHardlink {
		return "", nil
	}
	target := hdr.LinkTarget
	if hdr.HasPAXLink {
		target = hdr.PAXLinkPath
	}
	if target == "" {
		return "", safetar_errors.New(safetar_errors.UnsafePath,
			"link member with empty target").
			WithPath(canonical)
	}
	if strings.ContainsRune(target, 0) {
		return "", safetar_errors.New(safetar_errors.UnsafePath,
			"NUL byte in link target").
			WithPath(canonical)
	}
	if len(target) > maxMemberNameLen {
		return "", safetar_errors.Newf(safetar_errors.UnsafePath,
			"link target length %d exceeds %d", len(target), maxMemberNameLen).
			WithPath(canonical)
	}
	return target, nil
}

func (g *Guard) sanitiseMode(hdr MemberHeader, clamped map[string]string) os.FileMode {
	perm := os.FileMode(hdr.Mode & 0o777)
	special := hdr.Mode & 0o7000
	if special == 0 {
		return perm
	}
	if g.policy.StripSpecialBits {
		clamped["mode"] = fmt.Sprintf("%#o -> %#o", hdr.Mode&0o7777, hdr.Mode&0o777)
		return perm
	}
	if special&0o4000 != 0 {
		perm |= os.ModeSetuid
	}
	if special&0o2000 != 0 {
		perm |= os.ModeSetgid
	}
	if special&0o1000 != 0 {
		perm |= os.ModeSticky
	}
	return perm
}

func (g *Guard) sanitiseOwnership(hdr MemberHeader) (int, int) {
	if g.policy.PreserveOwnership {
		return hdr.UID, hdr.GID
	}
	return g.euid, g.egid
}

func (g *Guard) sanitiseModTime(hdr MemberHeader, clamped map[string]string) time.Time {
	if !g.policy.ClampTimestamps {
		return hdr.ModTime
	}
	if hdr.ModTime.IsZero() || hdr.ModTime.Unix() < 0 {
		clamped["mtime"] = "clamped to 0"
		return time.Unix(0, 0)
	}
	if hdr.ModTime.Unix() > maxTimestamp {
		clamped["mtime"] = fmt.Sprintf("%d clamped to %d", hdr.ModTime.Unix(), maxTimestamp)
		return time.Unix(maxTimestamp, 0)
	}
	return hdr.ModTime
}

func truncateForDetail(s string) string {
	const limit = 256
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
