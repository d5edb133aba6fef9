// Package editorlisten runs the Unix domain socket that local editor
// plugins connect to: one listener per shared directory, one goroutine
// pair (reader + writer) per connection, speaking the newline-delimited
// JSON-RPC protocol in package editorproto.
package editorlisten

import (
	"bufio"
	"net"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/etherdsync/etherd/internal/pathpolicy"
)

// SocketName is the fixed filename within the shared directory's state
// folder that editors connect to.
const SocketName = ".ethersync/socket"

// Backend is the subset of the document actor's API the listener needs.
type Backend interface {
	FromEditor(sessionID int, line []byte) []byte
	NewEditorConnection(sessionID int, outbox chan<- []byte)
	CloseEditorConnection(sessionID int)
}

// Listener accepts editor connections on a Unix socket.
type Listener struct {
	ln      net.Listener
	backend Backend
	log     *logrus.Logger
	nextID  uint64
}

// Listen binds the socket at base/.ethersync/socket, restricting that
// directory to the current user and removing a stale socket file left
// behind by a previous run.
func Listen(base pathpolicy.AbsolutePath, backend Backend, log *logrus.Logger) (*Listener, error) {
	socketPath := base.Join(SocketName)

	if err := pathpolicy.CreateDirAll(base, socketPath.Dir()); err != nil {
		return nil, err
	}
	if err := os.Chmod(socketPath.Dir().String(), 0o700); err != nil {
		return nil, errors.Wrapf(err, "restricting %q to the current user", socketPath.Dir().String())
	}
	if err := requireUserOnlyDir(socketPath.Dir()); err != nil {
		return nil, err
	}
	if ok, _ := pathpolicy.Exists(base, socketPath); ok {
		if err := pathpolicy.RemoveFile(base, socketPath); err != nil {
			return nil, errors.Wrap(err, "removing stale socket")
		}
	}

	ln, err := net.Listen("unix", socketPath.String())
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %q", socketPath.String())
	}
	return &Listener{ln: ln, backend: backend, log: log}, nil
}

// requireUserOnlyDir rejects a directory that grants access to group or
// other, since anyone who can connect to the socket can edit the shared
// files.
func requireUserOnlyDir(dir pathpolicy.AbsolutePath) error {
	info, err := os.Stat(dir.String())
	if err != nil {
		return errors.Wrapf(err, "statting %q", dir.String())
	}
	if info.Mode().Perm()&0o077 != 0 {
		return errors.Errorf("%q is readable by group/other; refusing to expose the editor socket there", dir.String())
	}
	return nil
}

// Addr returns the socket's filesystem path.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until Close is called.
func (l *Listener) Serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()

	sessionID := int(atomic.AddUint64(&l.nextID, 1))
	outbox := make(chan []byte, 64)
	l.backend.NewEditorConnection(sessionID, outbox)
	defer l.backend.CloseEditorConnection(sessionID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w := bufio.NewWriter(conn)
		for msg := range outbox {
			if _, err := w.Write(msg); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		resp := l.backend.FromEditor(sessionID, line)
		if resp != nil {
			outbox <- resp
		}
	}
	if err := scanner.Err(); err != nil {
		l.log.WithError(err).WithField("session", sessionID).Debug("editor connection read error")
	}

	close(outbox)
	<-done
}
