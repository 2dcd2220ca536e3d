// Package safetar_errors defines the tagged error surface of the extractor.
//
// Every fatal condition carries a Kind tag plus a structured detail map so
// callers can dispatch on the class of violation without string matching.
package safetar_errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind tags a class of extraction failure.
type Kind string

const (
	UnsafePath        Kind = "UnsafePathError"
	ForbiddenType     Kind = "ForbiddenTypeError"
	FileTooLarge      Kind = "FileTooLargeError"
	TotalSizeExceeded Kind = "TotalSizeExceededError"
	MaxFilesExceeded  Kind = "MaxFilesExceededError"
	RatioExceeded     Kind = "RatioExceededError"
	SymlinkPolicy     Kind = "SymlinkPolicyError"
	HardlinkPolicy    Kind = "HardlinkPolicyError"
	SparsePolicy      Kind = "SparsePolicyError"
	LinkEscape        Kind = "LinkEscapeError"
	AtomicWrite       Kind = "AtomicWriteError"
	Sandbox           Kind = "SandboxError"
	UnsupportedFormat Kind = "UnsupportedFormatError"
	ArchiveOpen       Kind = "ArchiveOpenError"
	MalformedArchive  Kind = "MalformedArchiveError"
	Policy            Kind = "PolicyError"
)

// Error is the single error type of the package. Path is the canonical
// member path the failure relates to, empty for archive-level failures.
type Error struct {
	Kind   Kind
	Path   string
	Detail map[string]string
	msg    string
	err    error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

// WithPath attaches the offending member path.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithDetail attaches one key/value pair to the detail map.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Detail == nil {
		e.Detail = map[string]string{}
	}
	e.Detail[key] = value
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.msg)
	if e.Path != "" {
		fmt.Fprintf(&b, " (member %q)", e.Path)
	}
	if len(e.Detail) > 0 {
		keys := make([]string, 0, len(e.Detail))
		for k := range e.Detail {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+e.Detail[k])
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(pairs, " "))
	}
	if e.err != nil {
		b.WriteString(": ")
		b.WriteString(e.err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.err
}

// IsKind reports whether any error in err's chain carries the given tag.
func IsKind(err error, kind Kind) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if te, ok := e.(*Error); ok && te.Kind == kind {
			return true
		}
	}
	return false
}

// KindOf returns the tag of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if te, ok := e.(*Error); ok {
			return te.Kind
		}
	}
	return ""
}
