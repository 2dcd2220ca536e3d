package safetar

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barseghyanartur/safetar/safetar_errors"
)

func regHeader(name string) MemberHeader {
	return MemberHeader{
		Name:    name,
		RawName: []byte(name),
		Type:    TypeReg,
		Size:    12,
		Mode:    0o644,
		ModTime: time.Unix(1_600_000_000, 0),
	}
}

func TestGuard_RejectsUnsafeNames(t *testing.T) {
	guard := NewGuard(DefaultPolicy())
	cases := []struct {
		label string
		name  string
	}{
		{"parent traversal", "../etc/passwd"},
		{"nested traversal", "a/../../etc/passwd"},
		{"absolute", "/etc/passwd"},
		{"drive letter", "C:/Windows/system32"},
		{"nul byte", "file\x00name"},
		{"backslash separator", "a\\b"},
		{"empty", ""},
		{"whitespace only", "   "},
		{"dot only", "."},
		{"slash only", "/"},
	}
	for _, tc := range cases {
		t.Run(tc.label, func(t *testing.T) {
			_, err := guard.Check(regHeader(tc.name))
			require.Error(t, err)
			assert.True(t, safetar_errors.IsKind(err, safetar_errors.UnsafePath), err)
		})
	}
}

func TestGuard_RejectsOverlongName(t *testing.T) {
	guard := NewGuard(DefaultPolicy())
	long := make([]byte, maxMemberNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := guard.Check(regHeader(string(long)))
	require.Error(t, err)
	assert.True(t, safetar_errors.IsKind(err, safetar_errors.UnsafePath))
}

func TestGuard_CanonicalisesName(t *testing.T) {
	guard := NewGuard(DefaultPolicy())
	verdict, err := guard.Check(regHeader("./a//b/./c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a/b/c.txt", verdict.Member.Path)
}

func TestGuard_NFCNormalisation(t *testing.T) {
	guard := NewGuard(DefaultPolicy())
	// "é" as 'e' + combining acute accent normalises to the composed form.
	verdict, err := guard.Check(regHeader("caf\u0065\u0301.txt"))
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9.txt", verdict.Member.Path)
}

func TestGuard_PAXPathOverride(t *testing.T) {
	guard := NewGuard(DefaultPolicy())

	hdr := regHeader("short")
	hdr.PAXPath, hdr.HasPAXPath = "long/override/name.txt", true
	verdict, err := guard.Check(hdr)
	require.NoError(t, err)
	assert.Equal(t, "long/override/name.txt", verdict.Member.Path)

	hdr = regHeader("short")
	hdr.PAXPath, hdr.HasPAXPath = "../escape", true
	_, err = guard.Check(hdr)
	require.Error(t, err)
	assert.True(t, safetar_errors.IsKind(err, safetar_errors.UnsafePath))

	hdr = regHeader("short")
	hdr.PAXPath, hdr.HasPAXPath = "bad\x00pax", true
	_, err = guard.Check(hdr)
	require.Error(t, err)
	assert.True(t, safetar_errors.IsKind(err, safetar_errors.UnsafePath))
}

func TestGuard_ForbiddenTypes(t *testing.T) {
	guard := NewGuard(DefaultPolicy())
	for _, typ := range []MemberType{TypeCharDev, TypeBlockDev, TypeFifo, TypeUnknown} {
		hdr := regHeader("dev")
		hdr.Type = typ
		_, err := guard.Check(hdr)
		require.Error(t, err, typ.String())
		assert.True(t, safetar_errors.IsKind(err, safetar_errors.ForbiddenType), typ.String())
	}
}

func TestGuard_SymlinkPolicies(t *testing.T) {
	hdr := regHeader("link")
	hdr.Type = TypeSymlink
	hdr.LinkTarget = "target"

	_, err := NewGuard(DefaultPolicy()).Check(hdr)
	require.Error(t, err)
	assert.True(t, safetar_errors.IsKind(err, safetar_errors.SymlinkPolicy))

	policy := DefaultPolicy()
	policy.SymlinkPolicy = SymlinkIgnore
	verdict, err := NewGuard(policy).Check(hdr)
	require.NoError(t, err)
	assert.True(t, verdict.Skip)

	policy.SymlinkPolicy = SymlinkResolveInternal
	verdict, err = NewGuard(policy).Check(hdr)
	require.NoError(t, err)
	require.NotNil(t, verdict.Member)
	assert.Equal(t, TypeSymlink, verdict.Member.Type)
	assert.Equal(t, "target", verdict.Member.LinkTarget)
}

func TestGuard_HardlinkPolicies(t *testing.T) {
	hdr := regHeader("link")
	hdr.Type = TypeHardlink
	hdr.LinkTarget = "target"

	_, err := NewGuard(DefaultPolicy()).Check(hdr)
	require.Error(t, err)
	assert.True(t, safetar_errors.IsKind(err, safetar_errors.HardlinkPolicy))

	policy := DefaultPolicy()
	policy.HardlinkPolicy = HardlinkInternal
	verdict, err := NewGuard(policy).Check(hdr)
	require.NoError(t, err)
	require.NotNil(t, verdict.Member)
	assert.Equal(t, TypeHardlink, verdict.Member.Type)
}

func TestGuard_SparsePolicies(t *testing.T) {
	hdr := regHeader("sparse.bin")
	hdr.Type = TypeSparse

	_, err := NewGuard(DefaultPolicy()).Check(hdr)
	require.Error(t, err)
	assert.True(t, safetar_errors.IsKind(err, safetar_errors.SparsePolicy))

	policy := DefaultPolicy()
	policy.SparsePolicy = SparseMaterialise
	verdict, err := NewGuard(policy).Check(hdr)
	require.NoError(t, err)
	require.NotNil(t, verdict.Member)
	assert.Equal(t, TypeReg, verdict.Member.Type)
}

func TestGuard_EmptyLinkTarget(t *testing.T) {
	policy := DefaultPolicy()
	policy.SymlinkPolicy = SymlinkResolveInternal
	hdr := regHeader("link")
	hdr.Type = TypeSymlink
	hdr.LinkTarget = ""
	_, err := NewGuard(policy).Check(hdr)
	require.Error(t, err)
	assert.True(t, safetar_errors.IsKind(err, safetar_errors.UnsafePath))
}

func TestGuard_DeclaredSizeOverBudget(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxFileSize = 1024
	hdr := regHeader("big.bin")
	hdr.Size = 2048
	_, err := NewGuard(policy).Check(hdr)
	require.Error(t, err)
	assert.True(t, safetar_errors.IsKind(err, safetar_errors.FileTooLarge))
}

func TestGuard_NegativeDeclaredSize(t *testing.T) {
	hdr := regHeader("weird.bin")
	hdr.Size = -1
	_, err := NewGuard(DefaultPolicy()).Check(hdr)
	require.Error(t, err)
	assert.True(t, safetar_errors.IsKind(err, safetar_errors.MalformedArchive))
}

func TestGuard_StripsSpecialBits(t *testing.T) {
	hdr := regHeader("setuid.bin")
	hdr.Mode = 0o4755
	verdict, err := NewGuard(DefaultPolicy()).Check(hdr)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), verdict.Member.Mode)
	assert.Contains(t, verdict.Clamped, "mode")
}

func TestGuard_PreservesSpecialBitsWhenConfigured(t *testing.T) {
	policy := DefaultPolicy()
	policy.StripSpecialBits = false
	hdr := regHeader("setuid.bin")
	hdr.Mode = 0o4755
	verdict, err := NewGuard(policy).Check(hdr)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755)|os.ModeSetuid, verdict.Member.Mode)
	assert.Empty(t, verdict.Clamped)
}

func TestGuard_OwnershipReplacedByDefault(t *testing.T) {
	hdr := regHeader("owned.bin")
	hdr.UID, hdr.GID = 0, 0
	verdict, err := NewGuard(DefaultPolicy()).Check(hdr)
	require.NoError(t, err)
	assert.Equal(t, os.Geteuid(), verdict.Member.UID)
	assert.Equal(t, os.Getegid(), verdict.Member.GID)

	policy := DefaultPolicy()
	policy.PreserveOwnership = true
	verdict, err = NewGuard(policy).Check(hdr)
	require.NoError(t, err)
	assert.Equal(t, 0, verdict.Member.UID)
}

func TestGuard_ClampsTimestamps(t *testing.T) {
	guard := NewGuard(DefaultPolicy())

	hdr := regHeader("old.bin")
	hdr.ModTime = time.Unix(-12345, 0)
	verdict, err := guard.Check(hdr)
	require.NoError(t, err)
	assert.Equal(t, int64(0), verdict.Member.ModTime.Unix())
	assert.Contains(t, verdict.Clamped, "mtime")

	hdr = regHeader("future.bin")
	hdr.ModTime = time.Unix(maxTimestamp+10, 0)
	verdict, err = guard.Check(hdr)
	require.NoError(t, err)
	assert.Equal(t, maxTimestamp, verdict.Member.ModTime.Unix())

	hdr = regHeader("normal.bin")
	verdict, err = guard.Check(hdr)
	require.NoError(t, err)
	assert.Equal(t, int64(1_600_000_000), verdict.Member.ModTime.Unix())
	assert.Empty(t, verdict.Clamped)
}
