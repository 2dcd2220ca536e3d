package safetar

import (
	"context"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/barseghyanartur/safetar/compression"
	"github.com/barseghyanartur/safetar/safetar_errors"
)

// Payload bytes are copied in bounded chunks so budgets are enforced
// against the observed stream, never against header-declared sizes.
const copyChunkSize = 64 * 1024

// The decompression-ratio check is suppressed until this many decoded
// bytes have been produced, to avoid false positives on tiny archives
// whose fixed-size headers dominate the compressed form.
const ratioWarmupBytes = 1 << 20

// linkSpec is one deferred link creation, queued during the member pass
// and committed only after all regular content is staged.
type linkSpec struct {
	kind      MemberType
	destRel   string
	targetRel string
	mode      os.FileMode
	mtime     time.Time

	// targetCommitted snapshots, at declaration time, whether a hardlink
	// target was already committed by this session or is the destination
	// of an earlier hardlink. Targets declared later in the stream
	// are forward references and stay rejected even though they exist by
	// commit time.
	targetCommitted bool
}

// extractionState carries the budgets and deferred work of one extraction
// session. Budgets are shared across nesting levels.
type extractionState struct {
	policy       Policy
	archiveHash  string
	filesSeen    uint32
	bytesWritten uint64

	// compressedDone accumulates the compressed byte counts of fully
	// processed archive levels; compressed counts the level in flight.
	compressedDone int64
	compressed     *compression.CountingReader

	deferredLinks []linkSpec
}

func newExtractionState(policy Policy, archiveHash string) *extractionState {
	return &extractionState{policy: policy, archiveHash: archiveHash}
}

// beginLevel points the compressed-byte counter at the archive level
// about to be streamed.
func (st *extractionState) beginLevel(cr *compression.CountingReader) {
	st.compressed = cr
}

// endLevel folds the finished level's compressed count into the running
// total.
func (st *extractionState) endLevel() {
	if st.compressed != nil {
		st.compressedDone += st.compressed.BytesRead()
		st.compressed = nil
	}
}

func (st *extractionState) compressedBytesRead() int64 {
	total := st.compressedDone
	if st.compressed != nil {
		total += st.compressed.BytesRead()
	}
	return total
}

// noteAccepted counts one accepted member against max_files.
func (st *extractionState) noteAccepted(path string) error {
	st.filesSeen++
	if st.filesSeen > st.policy.MaxFiles {
		return safetar_errors.Newf(safetar_errors.MaxFilesExceeded,
			"archive exceeds max_files %d", st.policy.MaxFiles).
			WithPath(path).
			WithDetail("limit", strconv.FormatUint(uint64(st.policy.MaxFiles), 10))
	}
	return nil
}

// account records n decoded bytes written for the member at path and
// re-checks the per-member, total, and ratio budgets.
func (st *extractionState) account(path string, memberBytes uint64, n int) (uint64, error) {
	memberBytes += uint64(n)
	st.bytesWritten += uint64(n)

	if memberBytes > st.policy.MaxFileSize {
		return memberBytes, safetar_errors.Newf(safetar_errors.FileTooLarge,
			"member exceeds max_file_size %d", st.policy.MaxFileSize).
			WithPath(path).
			WithDetail("limit", strconv.FormatUint(st.policy.MaxFileSize, 10)).
			WithDetail("written", strconv.FormatUint(memberBytes, 10))
	}
	if st.bytesWritten > st.policy.MaxTotalSize {
		return memberBytes, safetar_errors.Newf(safetar_errors.TotalSizeExceeded,
			"extraction exceeds max_total_size %d", st.policy.MaxTotalSize).
			WithPath(path).
			WithDetail("limit", strconv.FormatUint(st.policy.MaxTotalSize, 10)).
			WithDetail("written", strconv.FormatUint(st.bytesWritten, 10))
	}
	if st.bytesWritten >= ratioWarmupBytes {
		if compressed := st.compressedBytesRead(); compressed > 0 {
			ratio := float64(st.bytesWritten) / float64(compressed)
			if ratio > st.policy.MaxRatio {
				return memberBytes, safetar_errors.Newf(safetar_errors.RatioExceeded,
					"decompression ratio %.1f exceeds max_ratio %.1f", ratio, st.policy.MaxRatio).
					WithPath(path).
					WithDetail("compressed", strconv.FormatInt(compressed, 10)).
					WithDetail("decoded", strconv.FormatUint(st.bytesWritten, 10))
			}
		}
	}
	return memberBytes, nil
}

// copyPayload streams one member's payload from the archive reader into
// dst under live budget accounting. It returns the number of bytes
// actually written; that count, not the header's declared size, is what
// every limit check used.
func copyPayload(ctx context.Context, dst io.Writer, src io.Reader, st *extractionState, path string) (uint64, error) {
	var memberBytes uint64
	buf := make([]byte, copyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return memberBytes, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return memberBytes, safetar_errors.Wrap(safetar_errors.AtomicWrite,
					"writing staged payload", werr).WithPath(path)
			}
			var aerr error
			memberBytes, aerr = st.account(path, memberBytes, n)
			if aerr != nil {
				return memberBytes, aerr
			}
		}
		if rerr == io.EOF {
			return memberBytes, nil
		}
		if rerr != nil {
			return memberBytes, safetar_errors.Wrap(safetar_errors.MalformedArchive,
				"reading member payload", rerr).WithPath(path)
		}
	}
}
