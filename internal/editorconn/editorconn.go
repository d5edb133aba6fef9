// Package editorconn tracks the per-session state of one connected
// editor: which files it has open, and the OT engine reconciling each
// open file's edits with the CRDT. It resolves editor URIs into sandbox
// paths but does not itself touch the CRDT or the filesystem — that is
// the document actor's job.
package editorconn

import (
	"net/url"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/etherdsync/etherd/internal/otengine"
	"github.com/etherdsync/etherd/internal/pathpolicy"
)

// ErrInvalidURI means the editor sent something other than a file://
// URI resolvable to an absolute path.
var ErrInvalidURI = errors.New("invalid file URI")

// ErrUnknownFile means the editor referenced a file it never opened on
// this connection.
var ErrUnknownFile = errors.New("file not open on this connection")

// Session is one connected editor's state.
type Session struct {
	ID       int
	CursorID string
	base     pathpolicy.AbsolutePath
	log      *logrus.Logger
	engines  map[string]*otengine.Engine
}

// New creates a session for a freshly connected editor. log may be nil.
func New(id int, base pathpolicy.AbsolutePath, cursorID string, log *logrus.Logger) *Session {
	return &Session{ID: id, CursorID: cursorID, base: base, log: log, engines: make(map[string]*otengine.Engine)}
}

// ResolveURI turns an editor-supplied file:// URI into a sandboxed
// relative path, rejecting anything non-absolute, non-file-scheme, or
// outside base.
func (s *Session) ResolveURI(uri string) (pathpolicy.RelativePath, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return pathpolicy.RelativePath{}, errors.Wrapf(ErrInvalidURI, "%q", uri)
	}
	abs, err := pathpolicy.NewAbsolutePath(u.Path)
	if err != nil {
		return pathpolicy.RelativePath{}, errors.Wrapf(ErrInvalidURI, "%q", uri)
	}
	rel, err := pathpolicy.RelativePathFromAbsolute(s.base, abs)
	if err != nil {
		return pathpolicy.RelativePath{}, err
	}
	return rel, nil
}

// URIFor builds the file:// URI an editor would use for path.
func (s *Session) URIFor(path pathpolicy.RelativePath) string {
	return "file://" + path.AbsoluteIn(s.base).String()
}

// Open starts tracking path with an OT engine seeded at content.
func (s *Session) Open(path pathpolicy.RelativePath, content string) {
	s.engines[path.String()] = otengine.New(content, s.log)
}

// Close stops tracking path.
func (s *Session) Close(path pathpolicy.RelativePath) {
	delete(s.engines, path.String())
}

// Owns reports whether this session currently has path open.
func (s *Session) Owns(path pathpolicy.RelativePath) bool {
	_, ok := s.engines[path.String()]
	return ok
}

// Engine returns path's OT engine, failing if it isn't open here.
func (s *Session) Engine(path pathpolicy.RelativePath) (*otengine.Engine, error) {
	e, ok := s.engines[path.String()]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFile, "%q", path.String())
	}
	return e, nil
}

// OpenPaths lists every path currently open on this session.
func (s *Session) OpenPaths() []string {
	out := make([]string, 0, len(s.engines))
	for p := range s.engines {
		out = append(out, p)
	}
	return out
}
