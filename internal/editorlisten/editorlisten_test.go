package editorlisten

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etherdsync/etherd/internal/pathpolicy"
)

type fakeBackend struct {
	opened  chan int
	closed  chan int
	reply   []byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{opened: make(chan int, 8), closed: make(chan int, 8)}
}

func (f *fakeBackend) FromEditor(sessionID int, line []byte) []byte {
	if f.reply == nil {
		return nil
	}
	return f.reply
}

func (f *fakeBackend) NewEditorConnection(sessionID int, outbox chan<- []byte) {
	f.opened <- sessionID
}

func (f *fakeBackend) CloseEditorConnection(sessionID int) {
	f.closed <- sessionID
}

func newTestListener(t *testing.T, backend Backend) (*Listener, pathpolicy.AbsolutePath) {
	t.Helper()
	base := pathpolicy.MustAbsolutePath(t.TempDir())
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	ln, err := Listen(base, backend, logger)
	require.NoError(t, err)
	go ln.Serve()
	t.Cleanup(func() { ln.Close() })
	return ln, base
}

func TestListenRemovesStaleSocketAndRebinds(t *testing.T) {
	base := pathpolicy.MustAbsolutePath(t.TempDir())
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	ln1, err := Listen(base, newFakeBackend(), logger)
	require.NoError(t, err)
	ln1.Close()

	ln2, err := Listen(base, newFakeBackend(), logger)
	require.NoError(t, err)
	defer ln2.Close()
}

func TestHandleRegistersAndUnregistersSession(t *testing.T) {
	backend := newFakeBackend()
	_, base := newTestListener(t, backend)

	conn, err := net.Dial("unix", base.Join(SocketName).String())
	require.NoError(t, err)

	select {
	case <-backend.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for NewEditorConnection")
	}

	conn.Close()

	select {
	case <-backend.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CloseEditorConnection")
	}
}

func TestHandleEchoesResponseLine(t *testing.T) {
	backend := newFakeBackend()
	backend.reply = []byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}`)
	_, base := newTestListener(t, backend)

	conn, err := net.Dial("unix", base.Join(SocketName).String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("{}\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, string(backend.reply)+"\n", line)
}
