// Package docactor implements the document actor: the single goroutine
// that owns the CRDT document and serializes every mutation to it,
// whether the mutation originates from a local editor, a peer sync
// message, the filesystem watcher, or (in tests) the random-edit
// driver. Every other component talks to it only through its mailbox.
package docactor

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/sirupsen/logrus"

	"github.com/etherdsync/etherd/internal/crdt"
	"github.com/etherdsync/etherd/internal/editorconn"
	"github.com/etherdsync/etherd/internal/editorproto"
	"github.com/etherdsync/etherd/internal/identity"
	"github.com/etherdsync/etherd/internal/otengine"
	"github.com/etherdsync/etherd/internal/pathpolicy"
	"github.com/etherdsync/etherd/internal/textdelta"
	"github.com/etherdsync/etherd/internal/watcher"
)

const persistFileName = ".ethersync/doc"

// Actor owns the document and every piece of derived state (open
// editor sessions, OT engines) that has to agree with it. It must only
// ever be driven by its own Run loop; nothing else may touch its state.
type Actor struct {
	inbox         chan Message
	changed       chan struct{}
	changeSubs    []chan<- struct{}
	ephemeralSubs []chan<- []byte

	base     pathpolicy.AbsolutePath
	doc      *crdt.Document
	sessions map[int]*editorconn.Session
	outbox   map[int]chan<- []byte
	ignore   *gitignore.GitIgnore
	log      *logrus.Logger
}

// Options configures a freshly created actor.
type Options struct {
	Base   pathpolicy.AbsolutePath
	IsHost bool // true when this peer hosts the share; a host always reads content from disk at startup
	Init   bool // true forces a fresh document, ignoring any persisted one
	Log    *logrus.Logger
}

// New loads or creates the document for base and returns a ready-to-run
// actor plus the handle other components use to talk to it.
func New(opts Options) (*Actor, *Handle, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	doc, err := loadOrCreateDocument(opts.Base, opts.Init)
	if err != nil {
		return nil, nil, err
	}

	matcher, err := loadIgnoreMatcher(opts.Base)
	if err != nil {
		return nil, nil, err
	}

	if err := ensureEthersyncIgnored(opts.Base); err != nil {
		log.WithError(err).Warn("could not update .gitignore")
	}

	a := &Actor{
		inbox:    make(chan Message, 256),
		changed:  make(chan struct{}, 1),
		base:     opts.Base,
		doc:      doc,
		sessions: make(map[int]*editorconn.Session),
		outbox:   make(map[int]chan<- []byte),
		ignore:   matcher,
		log:      log,
	}

	persisted, _ := pathpolicy.Exists(opts.Base, opts.Base.Join(persistFileName))
	if opts.IsHost || (persisted && !opts.Init) {
		if err := a.loadFromDisk(); err != nil {
			return nil, nil, err
		}
	}

	return a, &Handle{inbox: a.inbox}, nil
}

func loadOrCreateDocument(base pathpolicy.AbsolutePath, init bool) (*crdt.Document, error) {
	persistPath := base.Join(persistFileName)
	if !init {
		if ok, _ := pathpolicy.Exists(base, persistPath); ok {
			data, err := pathpolicy.ReadFile(base, persistPath)
			if err != nil {
				return nil, err
			}
			return crdt.Load(data)
		}
	}
	return crdt.NewDocument(crdt.NewActorID()), nil
}

func loadIgnoreMatcher(base pathpolicy.AbsolutePath) (*gitignore.GitIgnore, error) {
	gi := base.Join(".gitignore")
	if ok, _ := pathpolicy.Exists(base, gi); ok {
		return gitignore.CompileIgnoreFile(gi.String())
	}
	return gitignore.CompileIgnoreLines(), nil
}

func ensureEthersyncIgnored(base pathpolicy.AbsolutePath) error {
	if ok, _ := pathpolicy.Exists(base, base.Join(".git")); !ok {
		return nil
	}
	gi := base.Join(".ethersync", ".gitignore")
	existing := ""
	if ok, _ := pathpolicy.Exists(base, gi); ok {
		data, err := pathpolicy.ReadFile(base, gi)
		if err != nil {
			return err
		}
		existing = string(data)
	}
	for _, line := range strings.Split(existing, "\n") {
		if strings.TrimSpace(line) == "/*" {
			return nil
		}
	}
	if err := pathpolicy.CreateDirAll(base, gi.Dir()); err != nil {
		return err
	}
	return pathpolicy.AppendFile(base, gi, []byte("/*\n"))
}

// Run processes messages until the mailbox is closed.
func (a *Actor) Run() {
	for msg := range a.inbox {
		a.handle(msg)
	}
}

// Changed is pinged (non-blocking) whenever the document mutates, for
// the persister to consume.
func (a *Actor) Changed() <-chan struct{} { return a.changed }

// pingChanged signals every registered subscriber (the persister plus
// one per connected peer) that the document changed. A lagging
// subscriber simply misses this ping; it will see the next one, or
// catch up on its own connect-time sync.
func (a *Actor) pingChanged() {
	select {
	case a.changed <- struct{}{}:
	default:
	}
	for _, sub := range a.changeSubs {
		select {
		case sub <- struct{}{}:
		default:
		}
	}
}

// pingEphemeral gossips a locally-originated cursor update to every
// subscribed peer session. A lagging subscriber simply misses this
// update; the next cursor move (or the next full sync, which also
// carries cursor state) will catch it up.
func (a *Actor) pingEphemeral(state crdt.CursorState) {
	if len(a.ephemeralSubs) == 0 {
		return
	}
	data, err := crdt.EncodeEphemeral(crdt.EphemeralMessage{
		CursorID: state.CursorID,
		Sequence: state.Sequence,
		State:    state,
	})
	if err != nil {
		a.log.WithError(err).Error("encoding ephemeral cursor update")
		return
	}
	for _, sub := range a.ephemeralSubs {
		select {
		case sub <- data:
		default:
		}
	}
}

func (a *Actor) handle(msg Message) {
	switch m := msg.(type) {
	case GetContent:
		content, ok := a.doc.CurrentFileContent(m.Path.String())
		m.Reply <- GetContentResult{Content: content, Ok: ok}
	case FirstFile:
		files := a.doc.Files()
		if len(files) == 0 {
			m.Reply <- ""
		} else {
			m.Reply <- files[0]
		}
	case FromEditor:
		m.Reply <- a.handleFromEditor(m.SessionID, m.Line)
	case FromWatcher:
		a.handleFromWatcher(m.Event)
	case Persist:
		a.handlePersist()
	case RandomEdit:
		a.handleRandomEdit(m.Delta)
	case ReceiveSyncMessage:
		a.handleReceiveSyncMessage(m.Data)
	case GenerateSyncMessage:
		data, err := a.doc.GenerateSyncMessage()
		if err != nil {
			a.log.WithError(err).Error("generating sync message")
			data = nil
		}
		m.Reply <- data
	case NewEditorConnection:
		cursorID := a.doc.ActorID() + "-" + strconv.Itoa(m.SessionID)
		a.sessions[m.SessionID] = editorconn.New(m.SessionID, a.base, cursorID, a.log)
		a.outbox[m.SessionID] = m.Outbox
	case CloseEditorConnection:
		a.handleCloseEditorConnection(m.SessionID)
	case SubscribeChanges:
		a.changeSubs = append(a.changeSubs, m.Sub)
	case ReceiveEphemeral:
		a.handleReceiveEphemeral(m.Data)
	case SubscribeEphemeral:
		a.ephemeralSubs = append(a.ephemeralSubs, m.Sub)
	}
}

// owns reports whether the daemon (rather than some connected editor)
// is the authority for path right now: true unless a session currently
// has it open.
func (a *Actor) owns(path pathpolicy.RelativePath) bool {
	for _, s := range a.sessions {
		if s.Owns(path) {
			return false
		}
	}
	return true
}

func (a *Actor) isIgnored(path pathpolicy.RelativePath) bool {
	p := path.String()
	if p == ".ethersync" || strings.HasPrefix(p, ".ethersync/") {
		return true
	}
	if p == ".git" || strings.HasPrefix(p, ".git/") {
		return true
	}
	return a.ignore != nil && a.ignore.MatchesPath(p)
}

func (a *Actor) handleFromEditor(sessionID int, line []byte) []byte {
	parsed, err := editorproto.ParseFromEditor(line)
	if err != nil {
		resp, _ := editorproto.EncodeError(nil, editorproto.CodeParseError, "parse error", err.Error())
		return resp
	}

	session, ok := a.sessions[sessionID]
	if !ok {
		resp, _ := editorproto.EncodeError(parsed.ID, editorproto.CodeSemantic, "no such session", "")
		return resp
	}

	var semErr error
	switch {
	case parsed.Open != nil:
		semErr = a.handleOpen(session, *parsed.Open)
	case parsed.Close != nil:
		semErr = a.handleClose(session, *parsed.Close)
	case parsed.Edit != nil:
		semErr = a.handleEdit(session, *parsed.Edit)
	case parsed.Cursor != nil:
		semErr = a.handleCursor(session, *parsed.Cursor)
	}

	if parsed.ID == nil {
		// Notification: editor isn't waiting for a reply, but still log
		// failures since there's nowhere else for them to surface.
		if semErr != nil {
			a.log.WithError(semErr).Warn("editor notification failed")
		}
		return nil
	}
	if semErr != nil {
		resp, _ := editorproto.EncodeError(parsed.ID, editorproto.CodeSemantic, semErr.Error(), "")
		return resp
	}
	resp, _ := editorproto.EncodeSuccess(*parsed.ID, "")
	return resp
}

func (a *Actor) handleOpen(session *editorconn.Session, p editorproto.OpenParams) error {
	rel, err := session.ResolveURI(p.URI)
	if err != nil {
		return err
	}
	if a.isIgnored(rel) {
		return errors.New("file is ignored: " + rel.String())
	}
	if !a.doc.FileExists(rel.String()) {
		a.doc.InitializeText(rel.String(), p.Content)
		a.pingChanged()
	}
	content, _ := a.doc.CurrentFileContent(rel.String())
	session.Open(rel, content)
	return nil
}

func (a *Actor) handleClose(session *editorconn.Session, p editorproto.CloseParams) error {
	rel, err := session.ResolveURI(p.URI)
	if err != nil {
		return err
	}
	session.Close(rel)
	if a.owns(rel) {
		a.maybeWriteFile(rel)
	}
	return nil
}

func (a *Actor) handleEdit(session *editorconn.Session, p editorproto.EditParams) error {
	rel, err := session.ResolveURI(p.URI)
	if err != nil {
		return err
	}
	engine, err := session.Engine(rel)
	if err != nil {
		return err
	}

	crdtDelta, deltasForEditor, err := engine.ApplyEditorOperation(otengine.RevisionedEditorDelta{
		Revision: p.Revision,
		Delta:    p.Delta,
	})
	if err != nil {
		if errors.Is(err, otengine.ErrFutureRevision) {
			a.log.WithError(err).Fatal("editor referenced a daemon revision the engine hasn't produced yet")
		}
		return err
	}

	if err := a.doc.ApplyDelta(rel.String(), crdtDelta); err != nil {
		return err
	}
	a.pingChanged()

	for _, d := range deltasForEditor {
		a.sendEdit(session.ID, session.URIFor(rel), d)
	}
	a.broadcastCRDTChange(rel, crdtDelta, session.ID)
	return nil
}

func (a *Actor) handleCursor(session *editorconn.Session, p editorproto.CursorParams) error {
	rel, err := session.ResolveURI(p.URI)
	if err != nil {
		return err
	}
	state := a.doc.StoreCursor(crdt.CursorState{
		CursorID: session.CursorID,
		Name:     identity.NameFor(session.CursorID),
		Color:    identity.ColorFor(session.CursorID),
		FilePath: rel.String(),
		Ranges:   p.Ranges,
	})
	a.broadcastCursor(session.ID, session.CursorID, rel, p.Ranges)
	a.pingEphemeral(state)
	return nil
}

func (a *Actor) handleFromWatcher(ev watcher.Event) {
	rel, err := pathpolicy.RelativePathFromAbsolute(a.base, ev.Path)
	if err != nil {
		return
	}
	if a.isIgnored(rel) || !a.owns(rel) {
		return
	}

	switch ev.Kind {
	case watcher.Created, watcher.Changed:
		data, err := pathpolicy.ReadFile(a.base, ev.Path)
		if err != nil {
			a.log.WithError(err).WithField("path", rel.String()).Warn("reading changed file")
			return
		}
		if err := a.doc.UpdateText(rel.String(), string(data)); err != nil {
			a.log.WithError(err).WithField("path", rel.String()).Warn("updating document from disk change")
			return
		}
		a.pingChanged()
	case watcher.Removed:
		if a.doc.FileExists(rel.String()) {
			a.doc.RemoveText(rel.String())
			a.pingChanged()
		}
	}
}

func (a *Actor) handlePersist() {
	data, err := a.doc.Save()
	if err != nil {
		a.log.WithError(err).Error("saving document")
		return
	}
	if err := pathpolicy.CreateDirAll(a.base, a.base.Join(".ethersync")); err != nil {
		a.log.WithError(err).Error("creating .ethersync directory")
		return
	}
	if err := pathpolicy.WriteFile(a.base, a.base.Join(persistFileName), data); err != nil {
		a.log.WithError(err).Error("persisting document")
	}
}

func (a *Actor) handleRandomEdit(delta *textdelta.TextDelta) {
	files := a.doc.Files()
	if len(files) == 0 {
		return
	}
	path := files[0]
	rel := pathpolicy.NewRelativePath(path)
	if err := a.doc.ApplyDelta(path, delta); err != nil {
		a.log.WithError(err).Warn("applying random edit")
		return
	}
	a.pingChanged()
	a.broadcastCRDTChange(rel, delta, -1)
	a.maybeWriteFile(rel)
}

func (a *Actor) handleReceiveSyncMessage(data []byte) {
	effects, err := a.doc.ReceiveSyncMessage(data)
	if err != nil {
		a.log.WithError(err).Error("receiving sync message")
		return
	}

	anyChange := false
	for _, effect := range effects {
		switch e := effect.(type) {
		case crdt.FileChange:
			anyChange = true
			rel := pathpolicy.NewRelativePath(e.Path)
			content, _ := a.doc.CurrentFileContent(e.Path)
			a.propagateRemoteFileChange(rel, content)
			a.maybeWriteFile(rel)
		case crdt.FileRemoval:
			anyChange = true
			rel := pathpolicy.NewRelativePath(e.Path)
			if a.owns(rel) {
				abs := rel.AbsoluteIn(a.base)
				if ok, _ := pathpolicy.Exists(a.base, abs); ok {
					if err := pathpolicy.RemoveFile(a.base, abs); err != nil {
						a.log.WithError(err).WithField("path", e.Path).Warn("removing file")
					}
				}
			}
			a.notifyFileRemoval(rel)
		case crdt.CursorChange:
			a.broadcastStoredCursor(e.CursorID)
		case crdt.NoEffect:
		}
	}
	if anyChange {
		a.pingChanged()
	}
}

// handleReceiveEphemeral applies a peer's ephemeral cursor update and, if
// it wasn't stale, rebroadcasts the resulting cursor to connected
// editors the same way a locally-originated one would be.
func (a *Actor) handleReceiveEphemeral(data []byte) {
	effect, err := a.doc.ApplyRemoteCursor(data)
	if err != nil {
		a.log.WithError(err).Error("receiving ephemeral cursor update")
		return
	}
	if change, ok := effect.(crdt.CursorChange); ok {
		a.broadcastStoredCursor(change.CursorID)
	}
}

// maybeWriteFile writes path's current content to disk, but only if the
// daemon (not some connected editor) is the authority for it.
func (a *Actor) maybeWriteFile(rel pathpolicy.RelativePath) {
	if !a.owns(rel) {
		return
	}
	content, ok := a.doc.CurrentFileContent(rel.String())
	if !ok {
		return
	}
	abs := rel.AbsoluteIn(a.base)
	if err := pathpolicy.CreateDirAll(a.base, abs.Dir()); err != nil {
		a.log.WithError(err).WithField("path", rel.String()).Warn("creating parent directory")
		return
	}
	if err := pathpolicy.WriteFile(a.base, abs, []byte(content)); err != nil {
		a.log.WithError(err).WithField("path", rel.String()).Warn("writing file")
	}
}

// propagateRemoteFileChange pushes a CRDT-originated change through
// every open session's OT engine for rel, so connected editors see it.
// There is no precise delta for a merged remote change, so this diffs
// each session's last-known content against the merged result.
func (a *Actor) propagateRemoteFileChange(rel pathpolicy.RelativePath, newContent string) {
	for id, session := range a.sessions {
		engine, err := session.Engine(rel)
		if err != nil {
			continue
		}
		if engine.CurrentContent() == newContent {
			continue
		}
		delta := textdelta.FromDiff(engine.CurrentContent(), newContent)
		toEditor := engine.ApplyCRDTChange(delta)
		a.sendEdit(id, session.URIFor(rel), toEditor)
	}
}

func (a *Actor) broadcastCRDTChange(rel pathpolicy.RelativePath, delta *textdelta.TextDelta, excludeSessionID int) {
	for id, session := range a.sessions {
		if id == excludeSessionID {
			continue
		}
		engine, err := session.Engine(rel)
		if err != nil {
			continue
		}
		toEditor := engine.ApplyCRDTChange(delta)
		a.sendEdit(id, session.URIFor(rel), toEditor)
	}
}

func (a *Actor) broadcastCursor(excludeSessionID int, cursorID string, rel pathpolicy.RelativePath, ranges []textdelta.Range) {
	for id, session := range a.sessions {
		if id == excludeSessionID {
			continue
		}
		msg, err := editorproto.EncodeCursor(cursorID, identity.NameFor(cursorID), identity.ColorFor(cursorID), session.URIFor(rel), ranges)
		if err != nil {
			continue
		}
		a.send(id, msg)
	}
}

func (a *Actor) broadcastStoredCursor(cursorID string) {
	cur, ok := a.doc.Cursor(cursorID)
	if !ok {
		return
	}
	a.broadcastCursor(-1, cur.CursorID, pathpolicy.NewRelativePath(cur.FilePath), cur.Ranges)
}

func (a *Actor) handleCloseEditorConnection(sessionID int) {
	session, ok := a.sessions[sessionID]
	if !ok {
		return
	}
	if path := a.doc.MaybeDeleteCursor(session.CursorID); path != "" {
		// Broadcast the deletion as an empty-range cursor update so
		// other editors stop drawing this cursor.
		a.broadcastCursor(sessionID, session.CursorID, pathpolicy.NewRelativePath(path), nil)
	}
	openPaths := session.OpenPaths()
	delete(a.sessions, sessionID)
	delete(a.outbox, sessionID)

	// A file this session had open reverts to daemon ownership unless
	// another session still has it open; flush its last accepted
	// content to disk now rather than waiting for some unrelated change.
	for _, p := range openPaths {
		rel := pathpolicy.NewRelativePath(p)
		if a.owns(rel) {
			a.maybeWriteFile(rel)
		}
	}
}

// notifyFileRemoval tells every session that has rel open that it was
// removed from the document (a concurrent-creation conflict losing to a
// peer's version, or a genuine remote deletion), forcing it to reload.
func (a *Actor) notifyFileRemoval(rel pathpolicy.RelativePath) {
	for id, session := range a.sessions {
		if !session.Owns(rel) {
			continue
		}
		msg, err := editorproto.EncodeFileRemoval(session.URIFor(rel))
		if err != nil {
			a.log.WithError(err).Error("encoding file removal notification")
			continue
		}
		a.send(id, msg)
		session.Close(rel)
	}
}

func (a *Actor) sendEdit(sessionID int, uri string, d otengine.RevisionedEditorDelta) {
	msg, err := editorproto.EncodeEdit(uri, d.Revision, d.Delta)
	if err != nil {
		a.log.WithError(err).Error("encoding edit notification")
		return
	}
	a.send(sessionID, msg)
}

func (a *Actor) send(sessionID int, msg []byte) {
	out, ok := a.outbox[sessionID]
	if !ok {
		return
	}
	select {
	case out <- msg:
	default:
		a.log.WithField("session", sessionID).Warn("editor outbox full, dropping message")
	}
}

// loadFromDisk walks the base directory and reconciles the document
// with whatever is on disk: initializing text for files the document
// has never seen, and dropping entries for files that disappeared.
func (a *Actor) loadFromDisk() error {
	seen := make(map[string]bool)

	err := filepath.WalkDir(a.base.String(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		abs, aerr := pathpolicy.NewAbsolutePath(p)
		if aerr != nil {
			return nil
		}
		rel, rerr := pathpolicy.RelativePathFromAbsolute(a.base, abs)
		if rerr != nil {
			return nil // this is the base itself
		}
		if d.IsDir() {
			if rel.String() == ".git" || rel.String() == ".ethersync" {
				return filepath.SkipDir
			}
			return nil
		}
		if a.isIgnored(rel) {
			return nil
		}
		data, rerr2 := pathpolicy.ReadFile(a.base, abs)
		if rerr2 != nil {
			return nil
		}
		seen[rel.String()] = true
		if err := a.doc.UpdateText(rel.String(), string(data)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, path := range a.doc.Files() {
		if !seen[path] {
			a.doc.RemoveText(path)
		}
	}
	return nil
}
