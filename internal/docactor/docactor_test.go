package docactor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etherdsync/etherd/internal/pathpolicy"
)

func newTestActor(t *testing.T) (*Actor, *Handle, pathpolicy.AbsolutePath) {
	t.Helper()
	base := pathpolicy.MustAbsolutePath(t.TempDir())
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	a, h, err := New(Options{Base: base, IsHost: true, Init: true, Log: logger})
	require.NoError(t, err)
	go a.Run()
	return a, h, base
}

func recvWithin(t *testing.T, ch <-chan []byte, d time.Duration) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(d):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestOpenEditPropagatesToOtherSession(t *testing.T) {
	_, h, base := newTestActor(t)
	uri := "file://" + base.Join("a.txt").String()

	out1 := make(chan []byte, 8)
	out2 := make(chan []byte, 8)
	h.NewEditorConnection(1, out1)
	h.NewEditorConnection(2, out2)

	openLine := []byte(`{"jsonrpc":"2.0","id":1,"method":"open","params":{"uri":"` + uri + `","content":"hello"}}`)
	resp := h.FromEditor(1, openLine)
	assert.Contains(t, string(resp), `"result"`)

	resp2 := h.FromEditor(2, openLine)
	assert.Contains(t, string(resp2), `"result"`)

	editLine := []byte(`{"jsonrpc":"2.0","method":"edit","params":{"uri":"` + uri + `","revision":0,"delta":[{"range":{"start":{"line":0,"character":5},"end":{"line":0,"character":5}},"replacement":" world"}]}}`)
	resp3 := h.FromEditor(1, editLine)
	assert.Nil(t, resp3) // notification, no response

	raw := recvWithin(t, out2, 2*time.Second)
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "edit", env["method"])

	content, ok := h.GetContent(pathpolicy.NewRelativePath("a.txt"))
	require.True(t, ok)
	assert.Equal(t, "hello world", content)
}

func TestCloseEditorConnectionReleasesOwnership(t *testing.T) {
	_, h, base := newTestActor(t)
	uri := "file://" + base.Join("a.txt").String()
	out1 := make(chan []byte, 8)
	h.NewEditorConnection(1, out1)

	openLine := []byte(`{"jsonrpc":"2.0","id":1,"method":"open","params":{"uri":"` + uri + `","content":"x"}}`)
	h.FromEditor(1, openLine)

	h.CloseEditorConnection(1)

	// Beyond not hanging or panicking, this only checks that the file is
	// still tracked after the session that opened it has gone away.
	_, ok := h.GetContent(pathpolicy.NewRelativePath("a.txt"))
	assert.True(t, ok)
}

func TestSyncMessageRoundTrip(t *testing.T) {
	_, h1, base1 := newTestActor(t)
	_, h2, _ := newTestActor(t)
	uri := "file://" + base1.Join("a.txt").String()

	out := make(chan []byte, 8)
	h1.NewEditorConnection(1, out)
	openLine := []byte(`{"jsonrpc":"2.0","id":1,"method":"open","params":{"uri":"` + uri + `","content":"hello"}}`)
	h1.FromEditor(1, openLine)

	msg := h1.GenerateSyncMessage()
	require.NotEmpty(t, msg)

	h2.ReceiveSyncMessage(msg)
	time.Sleep(50 * time.Millisecond)

	content, ok := h2.GetContent(pathpolicy.NewRelativePath("a.txt"))
	require.True(t, ok)
	assert.Equal(t, "hello", content)
}

func TestFirstFileReportsOpenFile(t *testing.T) {
	_, h, base := newTestActor(t)

	assert.Equal(t, "", h.FirstFile())

	h.NewEditorConnection(1, make(chan []byte, 8))
	uri := "file://" + base.Join("notes.txt").String()
	openLine := []byte(`{"jsonrpc":"2.0","id":1,"method":"open","params":{"uri":"` + uri + `","content":"x"}}`)
	h.FromEditor(1, openLine)

	assert.Equal(t, "notes.txt", h.FirstFile())
}

func TestSubscribeChangesReceivesPingOnOpen(t *testing.T) {
	_, h, base := newTestActor(t)
	uri := "file://" + base.Join("a.txt").String()
	h.NewEditorConnection(1, make(chan []byte, 8))

	sub := make(chan struct{}, 1)
	h.SubscribeChanges(sub)

	openLine := []byte(`{"jsonrpc":"2.0","id":1,"method":"open","params":{"uri":"` + uri + `","content":"x"}}`)
	h.FromEditor(1, openLine)

	select {
	case <-sub:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change subscription ping")
	}
}

func TestSubscribeEphemeralReceivesCursorUpdate(t *testing.T) {
	_, h, base := newTestActor(t)
	uri := "file://" + base.Join("a.txt").String()
	h.NewEditorConnection(1, make(chan []byte, 8))

	openLine := []byte(`{"jsonrpc":"2.0","id":1,"method":"open","params":{"uri":"` + uri + `","content":"hello"}}`)
	h.FromEditor(1, openLine)

	sub := make(chan []byte, 1)
	h.SubscribeEphemeral(sub)

	cursorLine := []byte(`{"jsonrpc":"2.0","method":"cursor","params":{"uri":"` + uri + `","ranges":[{"start":{"line":0,"character":0},"end":{"line":0,"character":1}}]}}`)
	h.FromEditor(1, cursorLine)

	data := recvWithin(t, sub, 2*time.Second)
	assert.NotEmpty(t, data)
}

func TestReceiveEphemeralAppliesRemoteCursor(t *testing.T) {
	_, h1, base1 := newTestActor(t)
	_, h2, _ := newTestActor(t)
	uri := "file://" + base1.Join("a.txt").String()
	h1.NewEditorConnection(1, make(chan []byte, 8))

	openLine := []byte(`{"jsonrpc":"2.0","id":1,"method":"open","params":{"uri":"` + uri + `","content":"hello"}}`)
	h1.FromEditor(1, openLine)

	sub := make(chan []byte, 1)
	h1.SubscribeEphemeral(sub)

	cursorLine := []byte(`{"jsonrpc":"2.0","method":"cursor","params":{"uri":"` + uri + `","ranges":[{"start":{"line":0,"character":0},"end":{"line":0,"character":1}}]}}`)
	h1.FromEditor(1, cursorLine)

	data := recvWithin(t, sub, 2*time.Second)

	out2 := make(chan []byte, 8)
	h2.NewEditorConnection(2, out2)
	openLine2 := []byte(`{"jsonrpc":"2.0","id":1,"method":"open","params":{"uri":"` + uri + `","content":"hello"}}`)
	h2.FromEditor(2, openLine2)

	h2.ReceiveEphemeral(data)

	raw := recvWithin(t, out2, 2*time.Second)
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "cursor", env["method"])
}
