// Package otengine reconciles CRDT-originated changes with concurrent
// edits from a single editor session. The CRDT and the editor each think
// they know the document's current state, but they learn about each
// other's changes asynchronously; the engine transforms operations from
// both sides so they always end up agreeing, without the editor having
// to implement any transformation logic itself.
//
// The engine tracks two monotonic revision counters: the daemon
// revision (operations the CRDT has produced) and the editor revision
// (operations the editor has sent). Every message to the editor carries
// the daemon's current idea of the editor revision it applies to;
// every message from the editor carries the daemon revision it applies
// to, so the engine knows how far to transform it before applying.
package otengine

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/etherdsync/etherd/internal/textdelta"
)

// maxUnconfirmedOps is the editor-queue length past which the engine
// logs a warning instead of silently letting the queue grow; spec.md §9
// explicitly leaves this unbounded, so it is a warning, not a rejection.
const maxUnconfirmedOps = 50

// RevisionedEditorDelta pairs a positional delta with the revision it
// was computed against.
type RevisionedEditorDelta struct {
	Revision int
	Delta    textdelta.EditorTextDelta
}

// ErrFutureRevision means an editor sent an operation against a daemon
// revision the engine hasn't produced yet. A correctly behaving editor
// only ever references revisions it was actually told about, so this
// means the editor and daemon have irrecoverably disagreed about state;
// callers should treat it as fatal rather than recoverable, mirroring
// the original daemon's assertion on the same condition.
var ErrFutureRevision = errors.New("editor referenced a daemon revision ahead of current")

// Engine is the per-file, per-editor-session OT state.
type Engine struct {
	editorRevision int
	daemonRevision int

	// operations is the source-of-truth log, in the order the CRDT has
	// accepted them.
	operations []*textdelta.TextDelta

	// editorQueue holds operations sent to the editor that haven't yet
	// been confirmed accepted, oldest first.
	editorQueue []*textdelta.TextDelta

	currentContent string

	// lastConfirmedEditorContent is the content the editor is known to
	// have, i.e. the content in front of editorQueue.
	lastConfirmedEditorContent string

	log *logrus.Logger
}

// New creates an engine seeded with a file's current content. log may be
// nil, in which case the editor-queue backpressure warning is skipped.
func New(initialContent string, log *logrus.Logger) *Engine {
	return &Engine{
		currentContent:             initialContent,
		lastConfirmedEditorContent: initialContent,
		log:                        log,
	}
}

// CurrentContent returns the content the CRDT side believes is current.
func (e *Engine) CurrentContent() string { return e.currentContent }

// ApplyCRDTChange records a change originating from the CRDT and returns
// the positional delta to forward to the editor, optimistically assuming
// the editor is caught up. If the editor turns out to be behind, the
// transformed version is produced later by ApplyEditorOperation.
func (e *Engine) ApplyCRDTChange(delta *textdelta.TextDelta) RevisionedEditorDelta {
	e.operations = append(e.operations, delta)
	e.editorQueue = append(e.editorQueue, delta)
	e.daemonRevision++

	if len(e.editorQueue) > maxUnconfirmedOps && e.log != nil {
		e.log.WithField("unconfirmed", len(e.editorQueue)).Warn("editor has fallen behind by more than 50 unconfirmed operations")
	}

	edDelta := textdelta.FromInternal(e.currentContent, delta)
	e.currentContent = forceApply(e.currentContent, delta)

	return RevisionedEditorDelta{Revision: e.editorRevision, Delta: edDelta}
}

// ApplyEditorOperation records an operation the editor sent, which
// applies to daemon revision rev.Revision, transforms it against any
// daemon operations the editor hasn't seen yet, applies the result to
// the CRDT-side content, and returns the CRDT-form delta plus whatever
// still-unconfirmed deltas the editor now needs to see.
func (e *Engine) ApplyEditorOperation(rev RevisionedEditorDelta) (*textdelta.TextDelta, []RevisionedEditorDelta, error) {
	daemonRevision := rev.Revision
	e.editorRevision++

	if daemonRevision > e.daemonRevision {
		return nil, nil, errors.Wrapf(ErrFutureRevision, "revision %d, current %d", daemonRevision, e.daemonRevision)
	}

	daemonOpsToTransform := e.daemonRevision - daemonRevision
	if len(e.editorQueue) < daemonOpsToTransform {
		return nil, nil, errors.New("editor operation references a revision already fully processed")
	}
	seenOperations := len(e.editorQueue) - daemonOpsToTransform

	confirmed := e.editorQueue[:seenOperations]
	e.editorQueue = e.editorQueue[seenOperations:]
	for _, confirmedOp := range confirmed {
		e.lastConfirmedEditorContent = forceApply(e.lastConfirmedEditorContent, confirmedOp)
	}

	opSeq, err := textdelta.ToInternal(e.lastConfirmedEditorContent, rev.Delta)
	if err != nil {
		return nil, nil, errors.Wrap(err, "converting editor delta")
	}

	e.lastConfirmedEditorContent = forceApply(e.lastConfirmedEditorContent, opSeq)

	opSeq, e.editorQueue, err = transformThroughOperations(opSeq, e.editorQueue)
	if err != nil {
		return nil, nil, errors.Wrap(err, "transforming editor operation through queue")
	}

	e.operations = append(e.operations, opSeq)
	e.currentContent = forceApply(e.currentContent, opSeq)

	return opSeq, e.deltasForEditor(), nil
}

func (e *Engine) deltasForEditor() []RevisionedEditorDelta {
	var toEditor []RevisionedEditorDelta
	document := e.lastConfirmedEditorContent
	for _, op := range e.editorQueue {
		edDelta := textdelta.FromInternal(document, op)
		toEditor = append(toEditor, RevisionedEditorDelta{Revision: e.editorRevision, Delta: edDelta})
		document = forceApply(document, op)
	}
	return toEditor
}

// forceApply applies delta to document, padding it with a trailing
// retain first if document is longer than the delta's base length. A
// mismatch here beyond that means an invariant of the engine was
// violated upstream, so it panics rather than silently corrupting state.
func forceApply(document string, delta *textdelta.TextDelta) string {
	docLen := uint64(len([]rune(document)))
	if delta.BaseLen() < docLen {
		delta = textdelta.PadTo(delta, docLen)
	}
	out, err := delta.Apply(document)
	if err != nil {
		panic(errors.Wrapf(err, "could not apply operation to content of length %d", docLen))
	}
	return out
}

// transformThroughOperations transforms theirOp against each of
// myOperations in turn, returning theirOp transformed through all of
// them and each of myOperations transformed against the (evolving)
// theirOp.
func transformThroughOperations(theirOp *textdelta.TextDelta, myOperations []*textdelta.TextDelta) (*textdelta.TextDelta, []*textdelta.TextDelta, error) {
	transformed := make([]*textdelta.TextDelta, 0, len(myOperations))
	for _, myOp := range myOperations {
		myPrime, theirPrime, err := textdelta.Transform(myOp, theirOp)
		if err != nil {
			return nil, nil, err
		}
		transformed = append(transformed, myPrime)
		theirOp = theirPrime
	}
	return theirOp, transformed, nil
}
