package pathpolicy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAbsolutePathRejectsRelative(t *testing.T) {
	_, err := NewAbsolutePath("relative/path")
	assert.ErrorIs(t, err, ErrNotAbsolute)
}

func TestRelativePathFromAbsolute(t *testing.T) {
	base := MustAbsolutePath("/project")

	rel, err := RelativePathFromAbsolute(base, MustAbsolutePath("/project/sub/file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "sub/file.txt", rel.String())
}

func TestRelativePathFromAbsoluteRejectsEqualToBase(t *testing.T) {
	base := MustAbsolutePath("/project")
	_, err := RelativePathFromAbsolute(base, base)
	assert.ErrorIs(t, err, ErrEscape)
}

func TestRelativePathFromAbsoluteRejectsEscape(t *testing.T) {
	base := MustAbsolutePath("/project")

	cases := []string{
		"/project-sibling/file.txt",
		"/other/file.txt",
		"/proj",
	}
	for _, c := range cases {
		_, err := RelativePathFromAbsolute(base, MustAbsolutePath(c))
		assert.ErrorIsf(t, err, ErrEscape, "expected escape for %q", c)
	}
}

func TestSandboxedReadWrite(t *testing.T) {
	dir := t.TempDir()
	base := MustAbsolutePath(dir)
	file := base.Join("hello.txt")

	require.NoError(t, WriteFile(base, file, []byte("hello")))

	data, err := ReadFile(base, file)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	ok, err := Exists(base, file)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSandboxedReadRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	base := MustAbsolutePath(dir)
	outside := MustAbsolutePath(filepath.Join(os.TempDir(), "definitely-outside-etherd-test"))

	_, err := ReadFile(base, outside)
	assert.ErrorIs(t, err, ErrEscape)
}

func TestCreateDirAllThenWrite(t *testing.T) {
	dir := t.TempDir()
	base := MustAbsolutePath(dir)
	nested := base.Join("a", "b", "c")

	require.NoError(t, CreateDirAll(base, nested))
	ok, err := Exists(base, nested)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAppendFile(t *testing.T) {
	dir := t.TempDir()
	base := MustAbsolutePath(dir)
	file := base.Join("log")

	require.NoError(t, WriteFile(base, file, []byte("a")))
	require.NoError(t, AppendFile(base, file, []byte("b")))

	data, err := ReadFile(base, file)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(data))
}

func TestRemoveFile(t *testing.T) {
	dir := t.TempDir()
	base := MustAbsolutePath(dir)
	file := base.Join("gone")

	require.NoError(t, WriteFile(base, file, []byte("x")))
	require.NoError(t, RemoveFile(base, file))

	ok, err := Exists(base, file)
	require.NoError(t, err)
	assert.False(t, ok)
}
