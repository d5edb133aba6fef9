// Package pathpolicy provides nominal absolute/relative path types and
// sandboxed filesystem operations that refuse to read or write outside a
// base directory.
package pathpolicy

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotAbsolute is returned when a path that must be absolute isn't.
var ErrNotAbsolute = errors.New("path is not absolute")

// ErrEscape is returned when a path resolves outside of its base directory.
var ErrEscape = errors.New("path escapes base directory")

// AbsolutePath is a filesystem path known to be absolute and lexically
// cleaned. It carries no guarantee about containment in any particular
// base directory.
type AbsolutePath struct {
	path string
}

// NewAbsolutePath validates that p is absolute and returns its cleaned form.
func NewAbsolutePath(p string) (AbsolutePath, error) {
	if !filepath.IsAbs(p) {
		return AbsolutePath{}, errors.Wrapf(ErrNotAbsolute, "%q", p)
	}
	return AbsolutePath{path: filepath.Clean(p)}, nil
}

// MustAbsolutePath is like NewAbsolutePath but panics on error. Only safe
// for paths known at compile time or already validated.
func MustAbsolutePath(p string) AbsolutePath {
	a, err := NewAbsolutePath(p)
	if err != nil {
		panic(err)
	}
	return a
}

func (a AbsolutePath) String() string { return a.path }

// Join returns a new AbsolutePath for a child path component.
func (a AbsolutePath) Join(elem ...string) AbsolutePath {
	return AbsolutePath{path: filepath.Join(append([]string{a.path}, elem...)...)}
}

// Dir returns the parent directory as an AbsolutePath.
func (a AbsolutePath) Dir() AbsolutePath {
	return AbsolutePath{path: filepath.Dir(a.path)}
}

// RelativePath is a path known to lie strictly inside some base directory,
// expressed with forward slashes regardless of OS, suitable for use
// verbatim as a CRDT map key.
type RelativePath struct {
	path string
}

// NewRelativePath wraps an already-relative, slash-separated path string.
// Used for paths that did not come from the filesystem (e.g. CRDT keys).
func NewRelativePath(p string) RelativePath {
	return RelativePath{path: filepath.ToSlash(filepath.Clean(p))}
}

// RelativePathFromAbsolute computes path relative to base, failing if path
// does not strictly descend into base (equal to base is also rejected).
func RelativePathFromAbsolute(base, path AbsolutePath) (RelativePath, error) {
	baseWithSep := base.path + string(filepath.Separator)
	if !strings.HasPrefix(path.path+string(filepath.Separator), baseWithSep) {
		return RelativePath{}, errors.Wrapf(ErrEscape, "%q not within %q", path.path, base.path)
	}
	rel := strings.TrimPrefix(path.path, baseWithSep)
	if path.path == base.path {
		return RelativePath{}, errors.Wrapf(ErrEscape, "%q equals base %q", path.path, base.path)
	}
	return RelativePath{path: filepath.ToSlash(rel)}, nil
}

func (r RelativePath) String() string { return r.path }

// IsEmpty reports whether r is the zero value.
func (r RelativePath) IsEmpty() bool { return r.path == "" }

// AbsoluteIn resolves r against base.
func (r RelativePath) AbsoluteIn(base AbsolutePath) AbsolutePath {
	return base.Join(filepath.FromSlash(r.path))
}

func checkContainment(base, path AbsolutePath) error {
	baseWithSep := base.path + string(filepath.Separator)
	if !strings.HasPrefix(path.path+string(filepath.Separator), baseWithSep) {
		return errors.Wrapf(ErrEscape, "%q not within %q", path.path, base.path)
	}
	return nil
}

// ReadFile reads path, which must lie within base.
func ReadFile(base, path AbsolutePath) ([]byte, error) {
	if err := checkContainment(base, path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path.path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path.path)
	}
	return data, nil
}

// WriteFile atomically replaces the content of path, which must lie
// within base, creating it if it does not yet exist.
func WriteFile(base, path AbsolutePath, data []byte) error {
	if err := checkContainment(base, path); err != nil {
		return err
	}
	tmp := path.path + ".etherd-tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing temp file for %q", path.path)
	}
	if err := os.Rename(tmp, path.path); err != nil {
		return errors.Wrapf(err, "renaming temp file into %q", path.path)
	}
	return nil
}

// AppendFile appends data to path, which must lie within base.
func AppendFile(base, path AbsolutePath, data []byte) error {
	if err := checkContainment(base, path); err != nil {
		return err
	}
	f, err := os.OpenFile(path.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening %q for append", path.path)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return errors.Wrapf(err, "appending to %q", path.path)
	}
	return nil
}

// RemoveFile removes path, which must lie within base.
func RemoveFile(base, path AbsolutePath) error {
	if err := checkContainment(base, path); err != nil {
		return err
	}
	if err := os.Remove(path.path); err != nil {
		return errors.Wrapf(err, "removing %q", path.path)
	}
	return nil
}

// CreateDir creates a single directory, which must lie within base.
func CreateDir(base, path AbsolutePath) error {
	if err := checkContainment(base, path); err != nil {
		return err
	}
	if err := os.Mkdir(path.path, 0o755); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "creating directory %q", path.path)
	}
	return nil
}

// CreateDirAll creates path and any missing parents, all of which must
// lie within base.
func CreateDirAll(base, path AbsolutePath) error {
	if err := checkContainment(base, path); err != nil {
		return err
	}
	if err := os.MkdirAll(path.path, 0o755); err != nil {
		return errors.Wrapf(err, "creating directories %q", path.path)
	}
	return nil
}

// Exists reports whether path (within base) exists.
func Exists(base, path AbsolutePath) (bool, error) {
	if err := checkContainment(base, path); err != nil {
		return false, err
	}
	_, err := os.Stat(path.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "statting %q", path.path)
}
