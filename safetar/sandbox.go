package safetar

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/barseghyanartur/safetar/safetar_errors"
	"github.com/barseghyanartur/safetar/utils"
)

// Bound on symlink chain length when resolving deferred symlink targets.
const maxLinkHops = 40

type createdEntry struct {
	path  string
	isDir bool
}

type dirMetaEntry struct {
	path  string
	mode  os.FileMode
	mtime time.Time
	uid   int
	gid   int
}

// sandboxSession is the state shared by every nesting level of one
// extraction: the rollback list, deferred directory metadata, and the set
// of committed regular files (hardlink target candidates).
type sandboxSession struct {
	policy         Policy
	created        []createdEntry
	dirMeta        []dirMetaEntry
	committedFiles map[string]bool
	committed      bool
}

// Sandbox materialises validated members under a canonical destination
// root. Nested archive levels get a Sandbox view rooted at their own
// subdirectory but sharing the session's rollback state.
type Sandbox struct {
	root string
	sess *sandboxSession
}

func newSandbox(dest string, policy Policy) (*Sandbox, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, safetar_errors.Wrap(safetar_errors.Sandbox,
			"creating destination root", err)
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return nil, safetar_errors.Wrap(safetar_errors.Sandbox,
			"resolving destination root", err)
	}
	rootCanon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, safetar_errors.Wrap(safetar_errors.Sandbox,
			"canonicalising destination root", err)
	}
	return &Sandbox{
		root: rootCanon,
		sess: &sandboxSession{
			policy:         policy,
			committedFiles: map[string]bool{},
		},
	}, nil
}

// sub returns a Sandbox view rooted at an already-created directory under
// this sandbox, sharing the session state.
func (sb *Sandbox) sub(rel string) (*Sandbox, error) {
	abs, err := sb.secureJoin(rel)
	if err != nil {
		return nil, err
	}
	return &Sandbox{root: abs, sess: sb.sess}, nil
}

// secureJoin joins a canonical relative member path onto the root,
// resolving every symlink in it, the final component included, against
// the root so the result can never point outside it.
func (sb *Sandbox) secureJoin(rel string) (string, error) {
	abs, err := securejoin.SecureJoin(sb.root, filepath.FromSlash(rel))
	if err != nil {
		return "", safetar_errors.Wrap(safetar_errors.UnsafePath,
			"joining member path", err).WithPath(rel)
	}
	if abs != sb.root && !strings.HasPrefix(abs, sb.root+string(os.PathSeparator)) {
		return "", safetar_errors.New(safetar_errors.UnsafePath,
			"member path escapes destination root").WithPath(rel)
	}
	return abs, nil
}

// ensureParents creates any missing intermediate directories between the
// root and abs's parent, recording each one created for rollback.
func (sb *Sandbox) ensureParents(abs string) error {
	parent := filepath.Dir(abs)
	rel, err := filepath.Rel(sb.root, parent)
	if err != nil {
		return safetar_errors.Wrap(safetar_errors.Sandbox, "resolving parent", err)
	}
	if rel == "." {
		return nil
	}
	current := sb.root
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		current = filepath.Join(current, part)
		info, statErr := os.Lstat(current)
		if statErr == nil {
			if !info.IsDir() {
				return safetar_errors.New(safetar_errors.Sandbox,
					"intermediate path component is not a directory").
					WithDetail("path", current)
			}
			continue
		}
		if !os.IsNotExist(statErr) {
			return safetar_errors.Wrap(safetar_errors.Sandbox, "inspecting parent", statErr)
		}
		if mkErr := os.Mkdir(current, 0o755); mkErr != nil && !os.IsExist(mkErr) {
			return safetar_errors.Wrap(safetar_errors.Sandbox, "creating parent directory", mkErr)
		} else if mkErr == nil {
			sb.sess.created = append(sb.sess.created, createdEntry{path: current, isDir: true})
		}
	}
	return nil
}

// MakeDir creates a directory member. The archived mode and mtime are
// applied after all files are written, so restrictive modes cannot block
// extraction of children.
func (sb *Sandbox) MakeDir(m *ResolvedMember) error {
	abs, err := sb.secureJoin(m.Path)
	if err != nil {
		return err
	}
	if err := sb.ensureParents(abs); err != nil {
		return err
	}
	info, statErr := os.Lstat(abs)
	switch {
	case statErr == nil && info.IsDir():
		// Already present (pre-existing or created as a parent).
	case statErr == nil:
		return safetar_errors.New(safetar_errors.Sandbox,
			"directory member collides with existing non-directory").
			WithPath(m.Path)
	case os.IsNotExist(statErr):
		if mkErr := os.Mkdir(abs, 0o755); mkErr != nil {
			return safetar_errors.Wrap(safetar_errors.Sandbox,
				"creating directory member", mkErr).WithPath(m.Path)
		}
		sb.sess.created = append(sb.sess.created, createdEntry{path: abs, isDir: true})
	default:
		return safetar_errors.Wrap(safetar_errors.Sandbox,
			"inspecting directory member", statErr).WithPath(m.Path)
	}
	sb.sess.dirMeta = append(sb.sess.dirMeta, dirMetaEntry{
		path: abs, mode: m.Mode, mtime: m.ModTime, uid: m.UID, gid: m.GID,
	})
	return nil
}

// StageFile streams a regular member's payload into a sibling temp file
// and renames it over the destination. The rename is the single point at
// which the file becomes externally visible.
func (sb *Sandbox) StageFile(ctx context.Context, m *ResolvedMember, src io.Reader, st *extractionState) (uint64, error) {
	// Only the parent is resolved; the final component is left as is so
	// the Lstat below sees a symlink at the destination instead of its
	// target.
	parentAbs, err := sb.secureJoin(utils.ParentDirUnixSlash(m.Path))
	if err != nil {
		return 0, err
	}
	abs := filepath.Join(parentAbs, filepath.Base(filepath.FromSlash(m.Path)))
	if err := sb.ensureParents(abs); err != nil {
		return 0, err
	}

	info, statErr := os.Lstat(abs)
	if statErr == nil {
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			// A symlink squatting on the destination path is an attack,
			// not something to follow or replace.
			return 0, safetar_errors.New(safetar_errors.UnsafePath,
				"destination is an existing symlink").WithPath(m.Path)
		case info.IsDir():
			return 0, safetar_errors.New(safetar_errors.Sandbox,
				"destination is an existing directory").WithPath(m.Path)
		}
	} else if !os.IsNotExist(statErr) {
		return 0, safetar_errors.Wrap(safetar_errors.Sandbox,
			"inspecting destination", statErr).WithPath(m.Path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".safetar-*.tmp")
	if err != nil {
		return 0, safetar_errors.Wrap(safetar_errors.Sandbox,
			"creating staging file", err).WithPath(m.Path)
	}
	tmpName := tmp.Name()
	discard := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	written, err := copyPayload(ctx, tmp, src, st, m.Path)
	if err != nil {
		discard()
		return written, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return written, safetar_errors.Wrap(safetar_errors.AtomicWrite,
			"closing staging file", err).WithPath(m.Path)
	}

	if err := sb.applyFileMetadata(tmpName, m); err != nil {
		os.Remove(tmpName)
		return written, err
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return written, safetar_errors.Wrap(safetar_errors.AtomicWrite,
			"renaming staged file into place", err).WithPath(m.Path)
	}
	sb.sess.created = append(sb.sess.created, createdEntry{path: abs})
	sb.sess.committedFiles[abs] = true
	return written, nil
}

func (sb *Sandbox) applyFileMetadata(path string, m *ResolvedMember) error {
	if sb.sess.policy.PreserveOwnership {
		// chown can clear setuid/setgid on some kernels, so it runs
		// before chmod. Failure (EPERM for non-root callers) is not
		// fatal.
		_ = os.Chown(path, m.UID, m.GID)
	}
	if err := os.Chmod(path, m.Mode); err != nil {
		return safetar_errors.Wrap(safetar_errors.AtomicWrite,
			"applying member mode", err).WithPath(m.Path)
	}
	_ = os.Chtimes(path, m.ModTime, m.ModTime)
	return nil
}

// isFileCommitted reports whether rel resolves to a regular file this
// session has already committed.
func (sb *Sandbox) isFileCommitted(rel string) bool {
	abs, err := sb.secureJoin(rel)
	if err != nil {
		return false
	}
	return sb.sess.committedFiles[abs]
}

// canonicalRel applies the Guard's lexical rules to a link target so that
// absolute targets and traversal components are rejected rather than
// clamped.
func canonicalRel(target string) (string, error) {
	if strings.ContainsRune(target, 0) || strings.ContainsRune(target, '\\') {
		return "", errors.New("invalid separator or NUL in link target")
	}
	if strings.HasPrefix(target, "/") || isDriveLetterPath(target) {
		return "", errors.New("absolute link target")
	}
	var parts []string
	for _, part := range strings.Split(target, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", errors.New("traversal component in link target")
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return "", errors.New("empty link target")
	}
	return strings.Join(parts, "/"), nil
}

// CommitLinks creates the deferred links: hardlinks first, then symlinks,
// each in archive-declaration order, each re-verified against the staged
// tree at creation time.
func (sb *Sandbox) CommitLinks(ctx context.Context, links []linkSpec, sink *eventSink) error {
	for _, spec := range links {
		if spec.kind != TypeHardlink {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sb.commitHardlink(ctx, spec, sink); err != nil {
			return err
		}
	}
	for _, spec := range links {
		if spec.kind != TypeSymlink {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sb.commitSymlink(spec); err != nil {
			return err
		}
	}
	return nil
}

func (sb *Sandbox) commitHardlink(ctx context.Context, spec linkSpec, sink *eventSink) error {
	if !spec.targetCommitted {
		return safetar_errors.New(safetar_errors.HardlinkPolicy,
			"hardlink forward reference").
			WithPath(spec.destRel).
			WithDetail("link_target", spec.targetRel)
	}
	targetRel, err := canonicalRel(spec.targetRel)
	if err != nil {
		return safetar_errors.Wrap(safetar_errors.LinkEscape,
			"hardlink target", err).
			WithPath(spec.destRel).
			WithDetail("link_target", spec.targetRel)
	}
	targetAbs, err := sb.secureJoin(targetRel)
	if err != nil {
		return err
	}
	info, statErr := os.Lstat(targetAbs)
	if statErr != nil || !info.Mode().IsRegular() || !sb.sess.committedFiles[targetAbs] {
		return safetar_errors.New(safetar_errors.LinkEscape,
			"hardlink target is not a committed regular file inside the root").
			WithPath(spec.destRel).
			WithDetail("link_target", spec.targetRel)
	}

	destAbs, err := sb.secureJoin(spec.destRel)
	if err != nil {
		return err
	}
	if err := sb.ensureParents(destAbs); err != nil {
		return err
	}
	if linkErr := os.Link(targetAbs, destAbs); linkErr != nil {
		if !hardlinkUnsupported(linkErr) {
			return safetar_errors.Wrap(safetar_errors.Sandbox,
				"creating hardlink", linkErr).WithPath(spec.destRel)
		}
		// Filesystem cannot hardlink; degrade to copying the content.
		if copyErr := sb.copyCommittedFile(targetAbs, destAbs, spec); copyErr != nil {
			return copyErr
		}
		sink.emit(ctx, EventHardlinkFallback, spec.destRel, map[string]string{
			"link_target": spec.targetRel,
		})
	}
	sb.sess.created = append(sb.sess.created, createdEntry{path: destAbs})
	sb.sess.committedFiles[destAbs] = true
	return nil
}

func hardlinkUnsupported(err error) bool {
	return errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, syscall.EOPNOTSUPP) ||
		errors.Is(err, syscall.EXDEV) ||
		errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.EMLINK)
}

// copyCommittedFile duplicates an already-committed file as the hardlink
// fallback, using the same temp-then-rename discipline as StageFile.
func (sb *Sandbox) copyCommittedFile(srcAbs, destAbs string, spec linkSpec) error {
	src, err := os.Open(srcAbs)
	if err != nil {
		return safetar_errors.Wrap(safetar_errors.Sandbox,
			"opening hardlink fallback source", err).WithPath(spec.destRel)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destAbs), ".safetar-*.tmp")
	if err != nil {
		return safetar_errors.Wrap(safetar_errors.Sandbox,
			"creating hardlink fallback staging file", err).WithPath(spec.destRel)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return safetar_errors.Wrap(safetar_errors.AtomicWrite,
			"copying hardlink fallback content", err).WithPath(spec.destRel)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return safetar_errors.Wrap(safetar_errors.AtomicWrite,
			"closing hardlink fallback staging file", err).WithPath(spec.destRel)
	}
	if err := os.Chmod(tmpName, spec.mode); err != nil {
		os.Remove(tmpName)
		return safetar_errors.Wrap(safetar_errors.AtomicWrite,
			"applying hardlink fallback mode", err).WithPath(spec.destRel)
	}
	_ = os.Chtimes(tmpName, spec.mtime, spec.mtime)
	if err := os.Rename(tmpName, destAbs); err != nil {
		os.Remove(tmpName)
		return safetar_errors.Wrap(safetar_errors.AtomicWrite,
			"renaming hardlink fallback into place", err).WithPath(spec.destRel)
	}
	return nil
}

func (sb *Sandbox) commitSymlink(spec linkSpec) error {
	if err := sb.verifySymlinkResolution(spec.destRel, spec.targetRel); err != nil {
		return err
	}
	parentAbs, err := sb.secureJoin(utils.ParentDirUnixSlash(spec.destRel))
	if err != nil {
		return err
	}
	destAbs := filepath.Join(parentAbs, filepath.Base(filepath.FromSlash(spec.destRel)))
	if err := sb.ensureParents(destAbs); err != nil {
		return err
	}
	if _, statErr := os.Lstat(destAbs); statErr == nil {
		return safetar_errors.New(safetar_errors.Sandbox,
			"symlink destination already exists").WithPath(spec.destRel)
	}
	if err := os.Symlink(spec.targetRel, destAbs); err != nil {
		return safetar_errors.Wrap(safetar_errors.AtomicWrite,
			"creating symlink", err).WithPath(spec.destRel)
	}
	// Re-read and re-validate: if the on-disk link no longer resolves
	// inside the root the creation raced and is removed.
	got, err := os.Readlink(destAbs)
	if err != nil {
		os.Remove(destAbs)
		return safetar_errors.Wrap(safetar_errors.Sandbox,
			"re-reading created symlink", err).WithPath(spec.destRel)
	}
	if verr := sb.verifySymlinkResolution(spec.destRel, got); verr != nil {
		os.Remove(destAbs)
		return verr
	}
	sb.sess.created = append(sb.sess.created, createdEntry{path: destAbs})
	return nil
}

// verifySymlinkResolution walks the target's resolution chain against the
// staged tree. Every hop must stay lexically inside the root; chains
// longer than maxLinkHops are rejected to defeat cycles.
func (sb *Sandbox) verifySymlinkResolution(destRel, target string) error {
	escape := func(at string) error {
		return safetar_errors.New(safetar_errors.LinkEscape,
			"symlink target resolves outside the destination root").
			WithPath(destRel).
			WithDetail("link_target", target).
			WithDetail("resolved", at)
	}
	current, ok := resolveRelative(utils.ParentDirUnixSlash(destRel), target)
	if !ok {
		return escape(target)
	}
	for hop := 0; hop < maxLinkHops; hop++ {
		// The final component is not resolved by the join, so a symlink
		// there is read and followed one hop at a time below.
		parentAbs, err := sb.secureJoin(utils.ParentDirUnixSlash(current))
		if err != nil {
			return escape(current)
		}
		abs := filepath.Join(parentAbs, filepath.Base(filepath.FromSlash(current)))
		info, statErr := os.Lstat(abs)
		if statErr != nil || info.Mode()&os.ModeSymlink == 0 {
			// Dangling targets and resolved endpoints are both fine;
			// containment is what matters.
			return nil
		}
		next, readErr := os.Readlink(abs)
		if readErr != nil {
			return safetar_errors.Wrap(safetar_errors.Sandbox,
				"reading intermediate symlink", readErr).WithPath(destRel)
		}
		current, ok = resolveRelative(utils.ParentDirUnixSlash(current), next)
		if !ok {
			return escape(next)
		}
	}
	return safetar_errors.Newf(safetar_errors.LinkEscape,
		"symlink chain exceeds %d hops", maxLinkHops).
		WithPath(destRel).
		WithDetail("link_target", target)
}

// resolveRelative lexically joins target onto baseDir (both forward-slash
// relative paths) and reports whether the result stays inside the root.
func resolveRelative(baseDir, target string) (string, bool) {
	if strings.HasPrefix(target, "/") || isDriveLetterPath(target) || strings.ContainsRune(target, '\\') {
		return "", false
	}
	joined := utils.JoinPathKeepingUnixSlash(baseDir, target)
	if joined == ".." || strings.HasPrefix(joined, "../") {
		return "", false
	}
	if joined == "." {
		joined = ""
	}
	return joined, true
}

// Finalize applies deferred directory metadata and marks the session
// committed so rollback becomes a no-op.
func (sb *Sandbox) Finalize() {
	// Children before parents, so restrictive parent modes land last.
	for i := len(sb.sess.dirMeta) - 1; i >= 0; i-- {
		dm := sb.sess.dirMeta[i]
		if sb.sess.policy.PreserveOwnership {
			_ = os.Chown(dm.path, dm.uid, dm.gid)
		}
		_ = os.Chmod(dm.path, dm.mode)
		_ = os.Chtimes(dm.path, dm.mtime, dm.mtime)
	}
	sb.sess.committed = true
}

// Rollback removes everything this session created, in reverse insertion
// order. Secondary failures are reported as events and never mask the
// primary error.
func (sb *Sandbox) Rollback(ctx context.Context, sink *eventSink) {
	if sb.sess.committed {
		return
	}
	for i := len(sb.sess.created) - 1; i >= 0; i-- {
		entry := sb.sess.created[i]
		if err := os.Remove(entry.path); err != nil && !os.IsNotExist(err) {
			sink.emit(ctx, EventRollbackError, entry.path, map[string]string{
				"error": err.Error(),
			})
		}
	}
	sb.sess.created = nil
}
