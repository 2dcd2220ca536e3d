// Package safetar extracts untrusted TAR archives into a confined
// destination directory. Members are validated one at a time, payload
// bytes are copied under live size and ratio budgets, and symlinks and
// hardlinks are created only after all regular content is staged.
package safetar

import (
	"fmt"

	"github.com/barseghyanartur/safetar/safetar_errors"
)

// SymlinkPolicy controls how symlink members are handled.
type SymlinkPolicy int

const (
	// SymlinkReject fails the extraction on any symlink member.
	SymlinkReject SymlinkPolicy = iota
	// SymlinkIgnore skips symlink members, emitting an event per skip.
	SymlinkIgnore
	// SymlinkResolveInternal permits symlinks whose fully resolved target
	// stays inside the destination root. Creation is deferred until all
	// regular content is on disk.
	SymlinkResolveInternal
)

func (p SymlinkPolicy) String() string {
	switch p {
	case SymlinkReject:
		return "reject"
	case SymlinkIgnore:
		return "ignore"
	case SymlinkResolveInternal:
		return "resolve_internal"
	}
	return fmt.Sprintf("symlink_policy(%d)", int(p))
}

// HardlinkPolicy controls how hardlink members are handled.
type HardlinkPolicy int

const (
	// HardlinkReject fails the extraction on any hardlink member.
	HardlinkReject HardlinkPolicy = iota
	// HardlinkInternal permits hardlinks whose target is a regular file
	// already committed inside the destination root. Forward references
	// are rejected.
	HardlinkInternal
)

func (p HardlinkPolicy) String() string {
	switch p {
	case HardlinkReject:
		return "reject"
	case HardlinkInternal:
		return "internal"
	}
	return fmt.Sprintf("hardlink_policy(%d)", int(p))
}

// SparsePolicy controls how GNU sparse members are handled.
type SparsePolicy int

const (
	// SparseReject fails the extraction on any sparse member.
	SparseReject SparsePolicy = iota
	// SparseMaterialise extracts sparse members densely, holes written as
	// zero bytes. Size budgets apply to the materialised size.
	SparseMaterialise
)

func (p SparsePolicy) String() string {
	switch p {
	case SparseReject:
		return "reject"
	case SparseMaterialise:
		return "materialise"
	}
	return fmt.Sprintf("sparse_policy(%d)", int(p))
}

// Policy is the immutable per-extraction configuration. Construct with
// DefaultPolicy and override fields as needed; Validate rejects invalid
// combinations.
type Policy struct {
	// MaxFileSize bounds the decoded size of a single member, in bytes.
	MaxFileSize uint64
	// MaxTotalSize bounds the cumulative decoded bytes written, in bytes.
	MaxTotalSize uint64
	// MaxFiles bounds the number of accepted members.
	MaxFiles uint32
	// MaxRatio bounds decoded/compressed bytes once past warmup.
	MaxRatio float64
	// MaxNestingDepth bounds recursive extraction of nested archives.
	MaxNestingDepth uint8

	SymlinkPolicy  SymlinkPolicy
	HardlinkPolicy HardlinkPolicy
	SparsePolicy   SparsePolicy

	// StripSpecialBits masks setuid, setgid and sticky bits off member
	// modes.
	StripSpecialBits bool
	// PreserveOwnership keeps the archived uid/gid instead of the current
	// process's effective ids.
	PreserveOwnership bool
	// ClampTimestamps clamps mtimes into [0, 2^32-1]; negative or absent
	// values become 0.
	ClampTimestamps bool
}

// DefaultPolicy returns the hardened defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxFileSize:       1 << 30, // 1 GiB
		MaxTotalSize:      5 << 30, // 5 GiB
		MaxFiles:          10_000,
		MaxRatio:          200.0,
		MaxNestingDepth:   3,
		SymlinkPolicy:     SymlinkReject,
		HardlinkPolicy:    HardlinkReject,
		SparsePolicy:      SparseReject,
		StripSpecialBits:  true,
		PreserveOwnership: false,
		ClampTimestamps:   true,
	}
}

// Validate rejects policies the pipeline cannot enforce coherently.
func (p Policy) Validate() error {
	if p.MaxRatio < 1.0 {
		return safetar_errors.Newf(safetar_errors.Policy,
			"max_ratio must be >= 1.0, got %g", p.MaxRatio)
	}
	if p.MaxFileSize == 0 {
		return safetar_errors.New(safetar_errors.Policy, "max_file_size must be positive")
	}
	if p.MaxTotalSize == 0 {
		return safetar_errors.New(safetar_errors.Policy, "max_total_size must be positive")
	}
	if p.MaxFiles == 0 {
		return safetar_errors.New(safetar_errors.Policy, "max_files must be positive")
	}
	if p.MaxFileSize > p.MaxTotalSize {
		return safetar_errors.Newf(safetar_errors.Policy,
			"max_file_size (%d) exceeds max_total_size (%d)", p.MaxFileSize, p.MaxTotalSize)
	}
	return nil
}
