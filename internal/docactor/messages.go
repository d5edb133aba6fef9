package docactor

import (
	"github.com/etherdsync/etherd/internal/pathpolicy"
	"github.com/etherdsync/etherd/internal/textdelta"
	"github.com/etherdsync/etherd/internal/watcher"
)

// Message is one entry in the document actor's mailbox.
type Message interface{ isDocMessage() }

// GetContent asks for a file's current content.
type GetContent struct {
	Path  pathpolicy.RelativePath
	Reply chan<- GetContentResult
}

type GetContentResult struct {
	Content string
	Ok      bool
}

// FirstFile asks for the path of the first tracked file in path order
// (open in an editor or not), used by the random-edit driver to pick a
// target. Reply is "" if no file exists yet.
type FirstFile struct {
	Reply chan<- string
}

// FromEditor carries one raw protocol line from an editor session. The
// response (nil for notifications) is delivered on Reply.
type FromEditor struct {
	SessionID int
	Line      []byte
	Reply     chan<- []byte
}

// FromWatcher carries one filesystem event.
type FromWatcher struct {
	Event watcher.Event
}

// Persist asks the actor to save the document to disk.
type Persist struct{}

// RandomEdit applies delta to the first tracked file in path order, the
// same file FirstFile reports. Test/demo only.
type RandomEdit struct {
	Delta *textdelta.TextDelta
}

// ReceiveSyncMessage merges a peer's sync message into the document.
type ReceiveSyncMessage struct {
	Data []byte
}

// GenerateSyncMessage asks for a sync message to send to a peer.
type GenerateSyncMessage struct {
	Reply chan<- []byte
}

// NewEditorConnection registers a freshly connected editor session.
// Outbox is where the actor pushes messages addressed to this editor.
type NewEditorConnection struct {
	SessionID int
	Outbox    chan<- []byte
}

// CloseEditorConnection unregisters a disconnected editor session.
type CloseEditorConnection struct {
	SessionID int
}

// SubscribeChanges registers Sub to receive a non-blocking ping
// whenever the document changes, in addition to the built-in
// persistence subscriber. Used by peer sync to know when to offer a
// fresh sync message.
type SubscribeChanges struct {
	Sub chan<- struct{}
}

// ReceiveEphemeral merges a peer's ephemeral cursor update into the
// document.
type ReceiveEphemeral struct {
	Data []byte
}

// SubscribeEphemeral registers Sub to receive every locally-originated
// cursor update, encoded and ready to gossip to peers.
type SubscribeEphemeral struct {
	Sub chan<- []byte
}

func (GetContent) isDocMessage()            {}
func (FirstFile) isDocMessage()             {}
func (SubscribeChanges) isDocMessage()      {}
func (FromEditor) isDocMessage()            {}
func (FromWatcher) isDocMessage()           {}
func (Persist) isDocMessage()               {}
func (RandomEdit) isDocMessage()            {}
func (ReceiveSyncMessage) isDocMessage()    {}
func (GenerateSyncMessage) isDocMessage()   {}
func (NewEditorConnection) isDocMessage()   {}
func (CloseEditorConnection) isDocMessage() {}
func (ReceiveEphemeral) isDocMessage()      {}
func (SubscribeEphemeral) isDocMessage()    {}

// Handle is the public, concurrency-safe facade other components use to
// talk to the actor. Every method sends a message to the mailbox, so the
// actor's internal state never needs its own lock. GetContent, FirstFile,
// FromEditor and GenerateSyncMessage wait for the actor's reply; the
// other methods only enqueue their message and return.
type Handle struct {
	inbox chan<- Message
}

func (h *Handle) GetContent(path pathpolicy.RelativePath) (string, bool) {
	reply := make(chan GetContentResult, 1)
	h.inbox <- GetContent{Path: path, Reply: reply}
	r := <-reply
	return r.Content, r.Ok
}

func (h *Handle) FirstFile() string {
	reply := make(chan string, 1)
	h.inbox <- FirstFile{Reply: reply}
	return <-reply
}

func (h *Handle) FromEditor(sessionID int, line []byte) []byte {
	reply := make(chan []byte, 1)
	h.inbox <- FromEditor{SessionID: sessionID, Line: line, Reply: reply}
	return <-reply
}

func (h *Handle) NotifyWatcher(ev watcher.Event) {
	h.inbox <- FromWatcher{Event: ev}
}

func (h *Handle) Persist() {
	h.inbox <- Persist{}
}

func (h *Handle) RandomEdit(delta *textdelta.TextDelta) {
	h.inbox <- RandomEdit{Delta: delta}
}

func (h *Handle) ReceiveSyncMessage(data []byte) {
	h.inbox <- ReceiveSyncMessage{Data: data}
}

func (h *Handle) GenerateSyncMessage() []byte {
	reply := make(chan []byte, 1)
	h.inbox <- GenerateSyncMessage{Reply: reply}
	return <-reply
}

func (h *Handle) NewEditorConnection(sessionID int, outbox chan<- []byte) {
	h.inbox <- NewEditorConnection{SessionID: sessionID, Outbox: outbox}
}

func (h *Handle) CloseEditorConnection(sessionID int) {
	h.inbox <- CloseEditorConnection{SessionID: sessionID}
}

// SubscribeChanges registers sub to receive a ping on every document
// change, alongside the actor's built-in persistence subscriber.
func (h *Handle) SubscribeChanges(sub chan<- struct{}) {
	h.inbox <- SubscribeChanges{Sub: sub}
}

// ReceiveEphemeral merges a peer's ephemeral cursor update into the
// document.
func (h *Handle) ReceiveEphemeral(data []byte) {
	h.inbox <- ReceiveEphemeral{Data: data}
}

// SubscribeEphemeral registers sub to receive every locally-originated
// cursor update, already encoded for peer gossip.
func (h *Handle) SubscribeEphemeral(sub chan<- []byte) {
	h.inbox <- SubscribeEphemeral{Sub: sub}
}
