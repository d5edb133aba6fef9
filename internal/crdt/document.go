package crdt

import (
	"bytes"
	"crypto/rand"
	"encoding/gob"
	"encoding/hex"
	"sort"

	"github.com/pkg/errors"
	ot "github.com/shiv248/operational-transformation-go"

	"github.com/etherdsync/etherd/internal/textdelta"
)

// CursorState is the last-known position of one editor's cursor(s) in a
// single file, keyed by a cursor id unique to the editor session that
// owns it.
type CursorState struct {
	CursorID string
	Name     string
	Color    string
	FilePath string
	Ranges   []textdelta.Range

	// Sequence is a per-CursorID monotonic counter, bumped by StoreCursor
	// on every local update. It lets a peer receiving ephemeral updates
	// out of order (or duplicated) tell which one is actually newest.
	Sequence int
}

// Document holds every file this peer knows about plus the cursor state
// of every editor it has heard from, local or remote.
type Document struct {
	actorID string
	site    uint32
	files   map[string]*sequence
	cursors map[string]CursorState
}

// NewActorID returns a fresh random actor identifier, hex-encoded like
// the identifiers peers exchange over the wire.
func NewActorID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(errors.Wrap(err, "generating actor id"))
	}
	return hex.EncodeToString(b[:])
}

// NewDocument creates an empty document under the given actor id.
func NewDocument(actorID string) *Document {
	return &Document{
		actorID: actorID,
		site:    siteFromActorID(actorID),
		files:   make(map[string]*sequence),
		cursors: make(map[string]CursorState),
	}
}

func siteFromActorID(actorID string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(actorID); i++ {
		h ^= uint32(actorID[i])
		h *= 16777619
	}
	return h
}

// ActorID returns this document's actor identifier.
func (d *Document) ActorID() string { return d.actorID }

// Files lists every file path currently tracked, sorted by path.
func (d *Document) Files() []string {
	out := make([]string, 0, len(d.files))
	for p := range d.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// FileExists reports whether path has an entry, even an empty one.
func (d *Document) FileExists(path string) bool {
	_, ok := d.files[path]
	return ok
}

// CurrentFileContent returns path's content and whether it exists.
func (d *Document) CurrentFileContent(path string) (string, bool) {
	seq, ok := d.files[path]
	if !ok {
		return "", false
	}
	return seq.text(), true
}

// InitializeText creates path fresh with the given content. Used when
// this peer is hosting and path has never been seen before.
func (d *Document) InitializeText(path, content string) {
	d.files[path] = sequenceFromText(content, d.site)
}

// UpdateText reconciles path's tracked content with content found on
// disk, diffing against the previous state rather than overwriting it
// wholesale so concurrent remote edits aren't clobbered.
func (d *Document) UpdateText(path, content string) error {
	seq, ok := d.files[path]
	if !ok {
		d.InitializeText(path, content)
		return nil
	}
	before := seq.text()
	if before == content {
		return nil
	}
	delta := textdelta.FromDiff(before, content)
	return d.ApplyDelta(path, delta)
}

// RemoveText drops path from the document entirely.
func (d *Document) RemoveText(path string) {
	delete(d.files, path)
}

// ApplyDelta applies an offset-based delta to path's sequence, creating
// path if it does not yet exist (its implicit base content is empty).
func (d *Document) ApplyDelta(path string, delta *textdelta.TextDelta) error {
	seq, ok := d.files[path]
	if !ok {
		seq = newSequence()
		d.files[path] = seq
	}
	pos := 0
	for _, rawOp := range delta.Ops() {
		switch op := rawOp.(type) {
		case ot.Retain:
			pos += int(op.N)
		case ot.Delete:
			seq.splice(pos, int(op.N), "", d.site)
		case ot.Insert:
			seq.splice(pos, 0, op.Text, d.site)
			pos += len([]rune(op.Text))
		default:
			return errors.Errorf("crdt: unknown delta op %T", rawOp)
		}
	}
	return nil
}

// StoreCursor records a cursor position update from some editor session,
// stamping it with the next sequence number for that cursor id, and
// returns the stamped state so the caller can gossip it to peers.
func (d *Document) StoreCursor(state CursorState) CursorState {
	state.Sequence = d.cursors[state.CursorID].Sequence + 1
	d.cursors[state.CursorID] = state
	return state
}

// MaybeDeleteCursor removes cursorID's state if present, returning the
// file path it was last seen in (empty if it had none or didn't exist).
func (d *Document) MaybeDeleteCursor(cursorID string) string {
	prev, ok := d.cursors[cursorID]
	if !ok {
		return ""
	}
	delete(d.cursors, cursorID)
	return prev.FilePath
}

// Cursor returns cursorID's last-known state, if any.
func (d *Document) Cursor(cursorID string) (CursorState, bool) {
	c, ok := d.cursors[cursorID]
	return c, ok
}

// --- persistence and peer sync ---
//
// There is no Go Automerge binding to build on, so this document uses a
// state-based (CvRDT) merge instead of Automerge's op-log sync protocol:
// a sync message is simply a full snapshot, and receiving one unions its
// characters into the local sequences by stable identifier. This trades
// sync message size for simplicity; see the design notes for why.

type docSnapshot struct {
	ActorID string
	Site    uint32
	Files   map[string][]character
	Cursors map[string]CursorState
}

func (d *Document) snapshot() docSnapshot {
	files := make(map[string][]character, len(d.files))
	for path, seq := range d.files {
		chars := make([]character, len(seq.chars))
		copy(chars, seq.chars)
		files[path] = chars
	}
	cursors := make(map[string]CursorState, len(d.cursors))
	for id, c := range d.cursors {
		cursors[id] = c
	}
	return docSnapshot{ActorID: d.actorID, Site: d.site, Files: files, Cursors: cursors}
}

// Save serializes the full document state for on-disk persistence.
func (d *Document) Save() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d.snapshot()); err != nil {
		return nil, errors.Wrap(err, "encoding document snapshot")
	}
	return buf.Bytes(), nil
}

// Load reconstructs a document from bytes produced by Save.
func Load(data []byte) (*Document, error) {
	var snap docSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, errors.Wrap(err, "decoding document snapshot")
	}
	d := &Document{
		actorID: snap.ActorID,
		site:    snap.Site,
		files:   make(map[string]*sequence, len(snap.Files)),
		cursors: snap.Cursors,
	}
	if d.cursors == nil {
		d.cursors = make(map[string]CursorState)
	}
	for path, chars := range snap.Files {
		d.files[path] = &sequence{chars: chars}
	}
	return d, nil
}

// GenerateSyncMessage produces a full-state snapshot to send to a peer.
func (d *Document) GenerateSyncMessage() ([]byte, error) {
	return d.Save()
}

// ReceiveSyncMessage merges a peer's snapshot into this document and
// reports what observably changed.
func (d *Document) ReceiveSyncMessage(msg []byte) ([]PatchEffect, error) {
	var snap docSnapshot
	if err := gob.NewDecoder(bytes.NewReader(msg)).Decode(&snap); err != nil {
		return nil, errors.Wrap(err, "decoding sync message")
	}

	var effects []PatchEffect

	seenPaths := make(map[string]struct{}, len(d.files)+len(snap.Files))
	for p := range d.files {
		seenPaths[p] = struct{}{}
	}
	for p := range snap.Files {
		seenPaths[p] = struct{}{}
	}

	for path := range seenPaths {
		before, existedBefore := d.CurrentFileContent(path)

		incoming, incomingOK := snap.Files[path]
		if incomingOK {
			local, ok := d.files[path]
			if ok && existedBefore && disjointOrigins(local.chars, incoming) {
				// Both peers created path independently, with no shared
				// identifier between the two sequences: one of them raced
				// the other to the same new file. Unioning their character
				// sequences would interleave two unrelated documents, so
				// pick a deterministic winner instead. The loser drops its
				// version and picks up the winner's on the next sync.
				if d.actorID < snap.ActorID {
					delete(d.files, path)
					effects = append(effects, FileRemoval{Path: path})
				} else {
					effects = append(effects, NoEffect{})
				}
				continue
			}
			if !ok {
				local = newSequence()
				d.files[path] = local
			}
			local.mergeFrom(&sequence{chars: incoming})
		}

		after, existsAfter := d.CurrentFileContent(path)
		switch {
		case !existsAfter && existedBefore:
			effects = append(effects, FileRemoval{Path: path})
		case existsAfter && (!existedBefore || before != after):
			effects = append(effects, FileChange{Path: path})
		default:
			effects = append(effects, NoEffect{})
		}
	}

	for id, incoming := range snap.Cursors {
		prev, had := d.cursors[id]
		d.cursors[id] = incoming
		if !had || !sameCursor(prev, incoming) {
			effects = append(effects, CursorChange{CursorID: id})
		}
	}

	return effects, nil
}

// disjointOrigins reports whether a and b share no identifier at all,
// the fingerprint of two sequences created independently rather than
// one descending from the other through sync. An empty sequence on
// either side is never treated as disjoint: an empty file is a normal
// starting point, not evidence of a conflicting concurrent creation.
func disjointOrigins(a, b []character) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, c := range a {
		seen[posKey(c.Pos)] = struct{}{}
	}
	for _, c := range b {
		if _, ok := seen[posKey(c.Pos)]; ok {
			return false
		}
	}
	return true
}

// EphemeralMessage is the wire payload for one cursor update gossiped to
// peers outside the full document snapshot, for lower latency than
// waiting on the next sync round.
type EphemeralMessage struct {
	CursorID string
	Sequence int
	State    CursorState
}

// EncodeEphemeral serializes a cursor update for peer gossip.
func EncodeEphemeral(msg EphemeralMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, errors.Wrap(err, "encoding ephemeral message")
	}
	return buf.Bytes(), nil
}

// ApplyRemoteCursor decodes and applies a peer's ephemeral cursor
// update, ignoring it if a newer update for the same cursor id already
// arrived (by sequence number) so reordered or duplicate delivery can't
// make a cursor jump backward.
func (d *Document) ApplyRemoteCursor(data []byte) (PatchEffect, error) {
	var msg EphemeralMessage
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return nil, errors.Wrap(err, "decoding ephemeral message")
	}
	if prev, ok := d.cursors[msg.CursorID]; ok && prev.Sequence >= msg.Sequence {
		return NoEffect{}, nil
	}
	d.cursors[msg.CursorID] = msg.State
	return CursorChange{CursorID: msg.CursorID}, nil
}

func sameCursor(a, b CursorState) bool {
	if a.FilePath != b.FilePath || len(a.Ranges) != len(b.Ranges) {
		return false
	}
	for i := range a.Ranges {
		if a.Ranges[i] != b.Ranges[i] {
			return false
		}
	}
	return true
}
