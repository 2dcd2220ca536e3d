package safetar

import (
	"context"
	"time"

	"github.com/chainguard-dev/clog"
)

// Security event type tags.
const (
	EventMemberRejected      = "member_rejected"
	EventMemberSkipped       = "member_skipped"
	EventFieldClamped        = "field_clamped"
	EventHardlinkFallback    = "hardlink_fallback"
	EventNestingDepthReached = "nesting_depth_reached"
	EventRollbackError       = "rollback_error"
	EventCallbackError       = "callback_error"
)

// SecurityEvent records a rejection, skip, or notable clamp observed while
// processing an archive. ArchiveHash correlates events belonging to one
// extraction.
type SecurityEvent struct {
	Type        string
	ArchiveHash string
	MemberPath  string
	Detail      map[string]string
	Timestamp   time.Time
}

// eventSink fans events out to the caller's callback and the structured
// log. The callback runs synchronously between chunks and is wrapped
// defensively: a panicking callback is disabled after a single warning
// rather than propagated.
type eventSink struct {
	archiveHash string
	fn          func(SecurityEvent)
	fnDisabled  bool
}

func newEventSink(archiveHash string, fn func(SecurityEvent)) *eventSink {
	return &eventSink{archiveHash: archiveHash, fn: fn}
}

func (s *eventSink) emit(ctx context.Context, eventType, memberPath string, detail map[string]string) {
	log := clog.FromContext(ctx)
	log.Warn("security event",
		"event_type", eventType,
		"archive_hash", s.archiveHash,
		"member_path", memberPath)

	if s.fn == nil || s.fnDisabled {
		return
	}
	ev := SecurityEvent{
		Type:        eventType,
		ArchiveHash: s.archiveHash,
		MemberPath:  memberPath,
		Detail:      detail,
		Timestamp:   time.Now(),
	}
	defer func() {
		if r := recover(); r != nil {
			s.fnDisabled = true
			log.Warn("security event callback panicked; callback disabled",
				"event_type", EventCallbackError,
				"archive_hash", s.archiveHash,
				"panic", r)
		}
	}()
	s.fn(ev)
}
