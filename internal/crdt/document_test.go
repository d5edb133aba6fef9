package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etherdsync/etherd/internal/textdelta"
)

func TestInitializeAndApplyDelta(t *testing.T) {
	doc := NewDocument(NewActorID())
	doc.InitializeText("a.txt", "hello")

	delta := textdelta.New().Retain(5).Insert(" world")
	require.NoError(t, doc.ApplyDelta("a.txt", delta))

	content, ok := doc.CurrentFileContent("a.txt")
	require.True(t, ok)
	assert.Equal(t, "hello world", content)
}

func TestRemoveText(t *testing.T) {
	doc := NewDocument(NewActorID())
	doc.InitializeText("a.txt", "x")
	doc.RemoveText("a.txt")
	assert.False(t, doc.FileExists("a.txt"))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	doc := NewDocument(NewActorID())
	doc.InitializeText("a.txt", "hello")
	doc.StoreCursor(CursorState{CursorID: "peer-0", FilePath: "a.txt"})

	data, err := doc.Save()
	require.NoError(t, err)

	loaded, err := Load(data)
	require.NoError(t, err)

	content, ok := loaded.CurrentFileContent("a.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", content)

	cursor, ok := loaded.Cursor("peer-0")
	require.True(t, ok)
	assert.Equal(t, "a.txt", cursor.FilePath)
}

func TestReceiveSyncMessageConverges(t *testing.T) {
	host := NewDocument(NewActorID())
	host.InitializeText("a.txt", "hello")

	peer := NewDocument(NewActorID())
	msgFromHost, err := host.GenerateSyncMessage()
	require.NoError(t, err)

	effects, err := peer.ReceiveSyncMessage(msgFromHost)
	require.NoError(t, err)
	require.Contains(t, effects, PatchEffect(FileChange{Path: "a.txt"}))

	peerContent, ok := peer.CurrentFileContent("a.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", peerContent)

	// Host edits, peer edits a disjoint region; syncing back should merge
	// both without either peer clobbering the other's edit.
	require.NoError(t, host.ApplyDelta("a.txt", textdelta.New().Insert(">> ").Retain(5)))
	require.NoError(t, peer.ApplyDelta("a.txt", textdelta.New().Retain(5).Insert("!")))

	msgFromPeer, err := peer.GenerateSyncMessage()
	require.NoError(t, err)
	_, err = host.ReceiveSyncMessage(msgFromPeer)
	require.NoError(t, err)

	merged, ok := host.CurrentFileContent("a.txt")
	require.True(t, ok)
	assert.Contains(t, merged, ">>")
	assert.Contains(t, merged, "!")
}

func TestReceiveSyncMessageConvergesDeletion(t *testing.T) {
	host := NewDocument(NewActorID())
	host.InitializeText("a.txt", "hello")

	peer := NewDocument(NewActorID())
	msgFromHost, err := host.GenerateSyncMessage()
	require.NoError(t, err)
	_, err = peer.ReceiveSyncMessage(msgFromHost)
	require.NoError(t, err)

	// Host deletes "ell", peer is still holding the pre-deletion snapshot
	// it got above and hasn't heard about the deletion yet.
	require.NoError(t, host.ApplyDelta("a.txt", textdelta.New().Retain(1).Delete(3).Retain(1)))
	content, ok := host.CurrentFileContent("a.txt")
	require.True(t, ok)
	assert.Equal(t, "ho", content)

	// Peer syncs its stale (pre-deletion) snapshot back to host. A naive
	// union merge would resurrect the deleted "ell"; tombstones must
	// prevent that.
	msgFromPeer, err := peer.GenerateSyncMessage()
	require.NoError(t, err)
	_, err = host.ReceiveSyncMessage(msgFromPeer)
	require.NoError(t, err)

	merged, ok := host.CurrentFileContent("a.txt")
	require.True(t, ok)
	assert.Equal(t, "ho", merged)

	// Once peer learns of the deletion too, it converges to the same
	// content rather than keeping the stale characters forever.
	msgFromHost2, err := host.GenerateSyncMessage()
	require.NoError(t, err)
	_, err = peer.ReceiveSyncMessage(msgFromHost2)
	require.NoError(t, err)

	peerContent, ok := peer.CurrentFileContent("a.txt")
	require.True(t, ok)
	assert.Equal(t, "ho", peerContent)
}

func TestReceiveSyncMessageResolvesConcurrentFileCreation(t *testing.T) {
	a := NewDocument(NewActorID())
	a.InitializeText("new.txt", "from a")

	b := NewDocument(NewActorID())
	b.InitializeText("new.txt", "from b")

	msgFromB, err := b.GenerateSyncMessage()
	require.NoError(t, err)
	effects, err := a.ReceiveSyncMessage(msgFromB)
	require.NoError(t, err)

	msgFromA, err := a.GenerateSyncMessage()
	require.NoError(t, err)
	_, err = b.ReceiveSyncMessage(msgFromA)
	require.NoError(t, err)

	// Exactly one side keeps its content, the other drops its file
	// entirely rather than producing an interleaved mess of both.
	aContent, aExists := a.CurrentFileContent("new.txt")
	bContent, bExists := b.CurrentFileContent("new.txt")
	assert.True(t, aExists != bExists, "exactly one side should keep new.txt")

	if aExists {
		assert.Equal(t, "from a", aContent)
		assert.Contains(t, effects, PatchEffect(NoEffect{}))
	} else {
		assert.Equal(t, "from b", bContent)
		assert.Contains(t, effects, PatchEffect(FileRemoval{Path: "new.txt"}))
	}
}

func TestApplyRemoteCursorIgnoresStaleSequence(t *testing.T) {
	doc := NewDocument(NewActorID())

	newer := EphemeralMessage{CursorID: "peer-1", Sequence: 2, State: CursorState{CursorID: "peer-1", FilePath: "a.txt", Sequence: 2}}
	data, err := EncodeEphemeral(newer)
	require.NoError(t, err)

	effect, err := doc.ApplyRemoteCursor(data)
	require.NoError(t, err)
	assert.Equal(t, PatchEffect(CursorChange{CursorID: "peer-1"}), effect)

	cur, ok := doc.Cursor("peer-1")
	require.True(t, ok)
	assert.Equal(t, "a.txt", cur.FilePath)

	stale := EphemeralMessage{CursorID: "peer-1", Sequence: 1, State: CursorState{CursorID: "peer-1", FilePath: "b.txt", Sequence: 1}}
	data, err = EncodeEphemeral(stale)
	require.NoError(t, err)

	effect, err = doc.ApplyRemoteCursor(data)
	require.NoError(t, err)
	assert.Equal(t, PatchEffect(NoEffect{}), effect)

	cur, ok = doc.Cursor("peer-1")
	require.True(t, ok)
	assert.Equal(t, "a.txt", cur.FilePath, "stale update must not overwrite a newer one")
}

func TestMaybeDeleteCursor(t *testing.T) {
	doc := NewDocument(NewActorID())
	doc.StoreCursor(CursorState{CursorID: "c1", FilePath: "a.txt"})

	path := doc.MaybeDeleteCursor("c1")
	assert.Equal(t, "a.txt", path)

	_, ok := doc.Cursor("c1")
	assert.False(t, ok)
}
