package safetar

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strconv"

	"github.com/chainguard-dev/clog"

	"github.com/barseghyanartur/safetar/compression"
	"github.com/barseghyanartur/safetar/safetar_errors"
)

// The archive hash used to correlate security events covers only the
// archive's first 64 KiB.
const archiveHashPrefix = 64 * 1024

// ExtractSession owns one archive source across header listing and
// extraction passes. Sessions are not safe for concurrent use.
type ExtractSession struct {
	policy      Policy
	source      io.ReadSeeker
	closer      io.Closer
	archiveHash string
	closed      bool
}

// Open opens the archive at path under the given policy. The destination
// is not touched until ExtractAll.
func Open(ctx context.Context, path string, policy Policy) (*ExtractSession, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, safetar_errors.Wrap(safetar_errors.ArchiveOpen,
			"opening archive", err)
	}
	s, err := newSession(ctx, f, f, policy)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// OpenReader opens an archive supplied as a byte stream. Non-seekable
// streams are buffered to an unlinked temp spool, bounded by
// max_total_size while buffering.
func OpenReader(ctx context.Context, r io.Reader, policy Policy) (*ExtractSession, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if rs, ok := r.(io.ReadSeeker); ok {
		return newSession(ctx, rs, nil, policy)
	}
	spool, err := spoolToTemp(r, policy.MaxTotalSize)
	if err != nil {
		return nil, err
	}
	s, err := newSession(ctx, spool, spool, policy)
	if err != nil {
		spool.Close()
		return nil, err
	}
	return s, nil
}

// spoolToTemp buffers a non-seekable stream into an unlinked temp file so
// the session can make multiple passes over it.
func spoolToTemp(r io.Reader, maxTotalSize uint64) (*os.File, error) {
	spool, err := os.CreateTemp("", ".safetar-spool-*")
	if err != nil {
		return nil, safetar_errors.Wrap(safetar_errors.ArchiveOpen,
			"creating spool file", err)
	}
	// Unlink immediately; the handle keeps the data alive.
	os.Remove(spool.Name())

	var total uint64
	buf := make([]byte, copyChunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			total += uint64(n)
			if total > maxTotalSize {
				spool.Close()
				return nil, safetar_errors.Newf(safetar_errors.TotalSizeExceeded,
					"input stream exceeds max_total_size %d during buffering", maxTotalSize).
					WithDetail("limit", strconv.FormatUint(maxTotalSize, 10))
			}
			if _, werr := spool.Write(buf[:n]); werr != nil {
				spool.Close()
				return nil, safetar_errors.Wrap(safetar_errors.ArchiveOpen,
					"buffering input stream", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			spool.Close()
			return nil, safetar_errors.Wrap(safetar_errors.ArchiveOpen,
				"reading input stream", rerr)
		}
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		spool.Close()
		return nil, safetar_errors.Wrap(safetar_errors.ArchiveOpen,
			"rewinding spool file", err)
	}
	return spool, nil
}

func newSession(ctx context.Context, source io.ReadSeeker, closer io.Closer, policy Policy) (*ExtractSession, error) {
	hash, err := hashArchivePrefix(source)
	if err != nil {
		return nil, err
	}
	s := &ExtractSession{
		policy:      policy,
		source:      source,
		closer:      closer,
		archiveHash: hash,
	}
	if err := s.probe(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func hashArchivePrefix(source io.ReadSeeker) (string, error) {
	if _, err := source.Seek(0, io.SeekStart); err != nil {
		return "", safetar_errors.Wrap(safetar_errors.ArchiveOpen, "seeking archive", err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(source, archiveHashPrefix)); err != nil {
		return "", safetar_errors.Wrap(safetar_errors.ArchiveOpen, "hashing archive prefix", err)
	}
	if _, err := source.Seek(0, io.SeekStart); err != nil {
		return "", safetar_errors.Wrap(safetar_errors.ArchiveOpen, "rewinding archive", err)
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

// probe verifies the transport decodes and the payload parses as TAR by
// reading the first header. A stream with no recognised magic that is not
// TAR either is an unsupported transport.
func (s *ExtractSession) probe(ctx context.Context) error {
	defer s.source.Seek(0, io.SeekStart)

	decoded, format, err := compression.NewReader(s.source)
	if err != nil {
		return safetar_errors.Wrap(safetar_errors.ArchiveOpen,
			"constructing decompressor", err)
	}
	defer decoded.Close()

	tr := tar.NewReader(decoded)
	if _, err := tr.Next(); err != nil && err != io.EOF {
		if format == compression.FormatTar {
			return safetar_errors.Wrap(safetar_errors.UnsupportedFormat,
				"input is neither a supported compression transport nor a TAR stream", err)
		}
		return safetar_errors.Wrap(safetar_errors.MalformedArchive,
			"decoded stream is not a TAR archive", err)
	}
	clog.FromContext(ctx).Debug("archive opened",
		"archive_hash", s.archiveHash, "transport", string(format))
	return nil
}

// Names iterates the archive's headers, applies the Guard, and returns
// the canonical names of accepted members in archive order. A member the
// Guard rejects fails the listing.
func (s *ExtractSession) Names() ([]string, error) {
	if s.closed {
		return nil, safetar_errors.New(safetar_errors.ArchiveOpen, "session is closed")
	}
	if _, err := s.source.Seek(0, io.SeekStart); err != nil {
		return nil, safetar_errors.Wrap(safetar_errors.ArchiveOpen, "rewinding archive", err)
	}
	decoded, _, err := compression.NewReader(s.source)
	if err != nil {
		return nil, safetar_errors.Wrap(safetar_errors.ArchiveOpen,
			"constructing decompressor", err)
	}
	defer decoded.Close()

	guard := NewGuard(s.policy)
	tr := tar.NewReader(decoded)
	var names []string
	var seen uint32
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, safetar_errors.Wrap(safetar_errors.MalformedArchive,
				"reading archive header", err)
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		verdict, err := guard.Check(memberHeaderFromTar(hdr))
		if err != nil {
			return nil, err
		}
		if verdict.Skip {
			continue
		}
		seen++
		if seen > s.policy.MaxFiles {
			return nil, safetar_errors.Newf(safetar_errors.MaxFilesExceeded,
				"archive exceeds max_files %d", s.policy.MaxFiles)
		}
		names = append(names, verdict.Member.Path)
	}
	return names, nil
}

// ExtractAll runs the full pipeline into dest. Every SecurityEvent is
// delivered to onEvent (which may be nil). On any fatal error everything
// written during this call is rolled back before the error is returned.
func (s *ExtractSession) ExtractAll(ctx context.Context, dest string, onEvent func(SecurityEvent)) error {
	if s.closed {
		return safetar_errors.New(safetar_errors.ArchiveOpen, "session is closed")
	}
	if _, err := s.source.Seek(0, io.SeekStart); err != nil {
		return safetar_errors.Wrap(safetar_errors.ArchiveOpen, "rewinding archive", err)
	}

	sink := newEventSink(s.archiveHash, onEvent)
	sandbox, err := newSandbox(dest, s.policy)
	if err != nil {
		return err
	}
	state := newExtractionState(s.policy, s.archiveHash)

	if err := s.extractLevel(ctx, s.source, sandbox, state, sink, 0); err != nil {
		sandbox.Rollback(ctx, sink)
		return err
	}
	sandbox.Finalize()
	clog.FromContext(ctx).Info("extraction committed",
		"archive_hash", s.archiveHash,
		"files", state.filesSeen,
		"bytes_written", state.bytesWritten)
	return nil
}

// extractLevel streams one archive (the outer one or a nested one)
// through Guard, Streamer, and Sandbox, commits its deferred links, then
// hands committed sub-archive candidates to the nesting controller.
func (s *ExtractSession) extractLevel(ctx context.Context, src io.Reader, sb *Sandbox, st *extractionState, sink *eventSink, depth uint8) error {
	counting := compression.NewCountingReader(src)
	st.beginLevel(counting)
	defer st.endLevel()

	decoded, _, err := compression.NewReader(counting)
	if err != nil {
		kind := safetar_errors.MalformedArchive
		if depth == 0 {
			kind = safetar_errors.ArchiveOpen
		}
		return safetar_errors.Wrap(kind, "constructing decompressor", err)
	}
	defer decoded.Close()

	guard := NewGuard(st.policy)
	tr := tar.NewReader(decoded)
	var candidates []string
	declaredHardlinks := map[string]bool{}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return safetar_errors.Wrap(safetar_errors.MalformedArchive,
				"reading archive header", err)
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		mh := memberHeaderFromTar(hdr)
		verdict, gerr := guard.Check(mh)
		if gerr != nil {
			detail := map[string]string{"reason": string(safetar_errors.KindOf(gerr))}
			sink.emit(ctx, EventMemberRejected, mh.Name, detail)
			return gerr
		}
		if verdict.Skip {
			sink.emit(ctx, EventMemberSkipped, mh.Name, map[string]string{
				"reason": verdict.SkipReason,
			})
			continue
		}

		m := verdict.Member
		if err := st.noteAccepted(m.Path); err != nil {
			sink.emit(ctx, EventMemberRejected, m.Path, map[string]string{
				"reason": string(safetar_errors.MaxFilesExceeded),
			})
			return err
		}
		if verdict.Clamped != nil {
			sink.emit(ctx, EventFieldClamped, m.Path, verdict.Clamped)
		}

		switch m.Type {
		case TypeDir:
			if err := sb.MakeDir(m); err != nil {
				return err
			}
		case TypeSymlink:
			st.deferredLinks = append(st.deferredLinks, linkSpec{
				kind:      TypeSymlink,
				destRel:   m.Path,
				targetRel: m.LinkTarget,
				mode:      m.Mode,
				mtime:     m.ModTime,
			})
		case TypeHardlink:
			spec := linkSpec{
				kind:      TypeHardlink,
				destRel:   m.Path,
				targetRel: m.LinkTarget,
				mode:      m.Mode,
				mtime:     m.ModTime,
			}
			// A target counts as committed if it is already on disk or
			// is the destination of an earlier hardlink in this level;
			// anything declared later in the stream is a forward
			// reference.
			if tgt, cerr := canonicalRel(m.LinkTarget); cerr == nil {
				spec.targetCommitted = sb.isFileCommitted(tgt) || declaredHardlinks[tgt]
			}
			declaredHardlinks[m.Path] = true
			st.deferredLinks = append(st.deferredLinks, spec)
		default:
			if _, err := sb.StageFile(ctx, m, tr, st); err != nil {
				return err
			}
			if _, ok := compression.FormatFromName(m.Path); ok {
				candidates = append(candidates, m.Path)
			}
		}
	}

	links := st.deferredLinks
	st.deferredLinks = nil
	if err := sb.CommitLinks(ctx, links, sink); err != nil {
		return err
	}

	// Fold this level's compressed count before any nested level starts
	// its own counter.
	st.endLevel()

	for _, rel := range candidates {
		if err := s.extractNested(ctx, sb, st, sink, rel, depth); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the archive source. It is idempotent and safe to call
// after a failed extraction.
func (s *ExtractSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		if err := s.closer.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			return err
		}
	}
	return nil
}
