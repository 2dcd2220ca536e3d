package safetar

import (
	"context"
	"os"
	"strconv"

	"github.com/barseghyanartur/safetar/compression"
	"github.com/barseghyanartur/safetar/safetar_errors"
)

// extractNested re-enters the pipeline on a committed regular file that
// carries a recognised archive extension. Budgets are shared with the
// outer extraction; only the depth counter changes. Reaching the depth
// limit is an event, never an error: the candidate file itself was
// already safely written.
func (s *ExtractSession) extractNested(ctx context.Context, sb *Sandbox, st *extractionState, sink *eventSink, rel string, depth uint8) error {
	next := depth + 1
	if next >= st.policy.MaxNestingDepth {
		sink.emit(ctx, EventNestingDepthReached, rel, map[string]string{
			"depth": strconv.Itoa(int(next)),
			"limit": strconv.Itoa(int(st.policy.MaxNestingDepth)),
		})
		return nil
	}

	abs, err := sb.secureJoin(rel)
	if err != nil {
		return err
	}
	f, err := os.Open(abs)
	if err != nil {
		return safetar_errors.Wrap(safetar_errors.Sandbox,
			"opening nested archive", err).WithPath(rel)
	}
	defer f.Close()

	destRel := nestedDestName(sb, rel)
	if err := sb.MakeDir(&ResolvedMember{Path: destRel, Type: TypeDir, Mode: 0o755}); err != nil {
		return err
	}
	nested, err := sb.sub(destRel)
	if err != nil {
		return err
	}
	return s.extractLevel(ctx, f, nested, st, sink, next)
}

// nestedDestName derives the sibling extraction directory for a nested
// archive: the basename with its archive extension trimmed, falling back
// to an ".extracted" suffix when that name is taken.
func nestedDestName(sb *Sandbox, rel string) string {
	trimmed := compression.TrimArchiveExt(rel)
	if trimmed == rel {
		trimmed = rel + ".extracted"
	}
	if abs, err := sb.secureJoin(trimmed); err == nil {
		if _, statErr := os.Lstat(abs); statErr == nil {
			trimmed += ".extracted"
		}
	}
	return trimmed
}
