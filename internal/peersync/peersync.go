// Package peersync exchanges document sync messages and ephemeral
// cursor updates with peers over libp2p streams: one stream per peer,
// carrying length-prefixed frames each tagged as either a CRDT sync
// payload or a cursor update, preceded by a pre-shared-secret handshake.
package peersync

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const ProtocolID = protocol.ID("/etherd/sync/1.0.0")

// SecretSize is the length of the pre-shared secret exchanged on every
// new stream before any application data flows.
const SecretSize = 32

// FrameKind tags the payload of a length-prefixed frame.
type FrameKind byte

const (
	FrameSync      FrameKind = 0
	FrameEphemeral FrameKind = 1
)

// Document is the subset of the CRDT document actor's API peer sync
// needs: generating outbound sync messages and absorbing inbound ones.
type Document interface {
	GenerateSyncMessage() []byte
	ReceiveSyncMessage(data []byte)
	ReceiveEphemeral(data []byte)
}

// Host wraps a libp2p host configured for peer sync, authenticating
// every stream with a constant-time comparison against secret before
// exchanging any sync or cursor data.
type Host struct {
	h                  host.Host
	secret             []byte
	doc                Document
	log                *logrus.Logger
	subscribe          func(chan<- struct{})
	subscribeEphemeral func(chan<- []byte)
}

// New creates a libp2p host listening on listenAddr and registers the
// sync protocol's stream handler. subscribe, if non-nil, is called once
// per session with a channel the session should watch for "document
// changed" pings, so it knows when to offer the peer a fresh sync
// message rather than only on connect. subscribeEphemeral, if non-nil,
// is called once per session with a channel the session should forward
// to the peer as ephemeral (cursor) frames as soon as they're produced
// locally, rather than waiting on the next full sync.
func New(listenAddr string, secret []byte, doc Document, log *logrus.Logger, subscribe func(chan<- struct{}), subscribeEphemeral func(chan<- []byte)) (*Host, error) {
	if len(secret) != SecretSize {
		return nil, errors.Errorf("peer secret must be %d bytes, got %d", SecretSize, len(secret))
	}
	h, err := libp2p.New(
		libp2p.NATPortMap(),
		libp2p.ListenAddrStrings(listenAddr),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating libp2p host")
	}
	ph := &Host{h: h, secret: secret, doc: doc, log: log, subscribe: subscribe, subscribeEphemeral: subscribeEphemeral}
	h.SetStreamHandler(ProtocolID, ph.handleIncoming)
	return ph, nil
}

// Addrs returns this host's listen addresses, suitable for sharing with
// a peer out of band.
func (ph *Host) Addrs() []multiaddr.Multiaddr { return ph.h.Addrs() }
func (ph *Host) ID() peer.ID                  { return ph.h.ID() }

// Close shuts down the libp2p host.
func (ph *Host) Close() error { return ph.h.Close() }

// Connect dials a peer at addr (ctx bounds the dial), performs the
// secret handshake and starts the session's outbound goroutines. It
// returns without reading from the stream: the caller runs the inbound
// loop with Session.Run.
func (ph *Host) Connect(ctx context.Context, addr multiaddr.Multiaddr) (*Session, error) {
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return nil, errors.Wrap(err, "parsing peer address")
	}
	if err := ph.h.Connect(ctx, *info); err != nil {
		return nil, errors.Wrap(err, "connecting to peer")
	}
	stream, err := ph.h.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return nil, errors.Wrap(err, "opening sync stream")
	}
	if err := sendSecret(stream, ph.secret); err != nil {
		stream.Close()
		return nil, err
	}
	if err := expectSecret(stream, ph.secret); err != nil {
		stream.Close()
		return nil, err
	}
	session := newSession(stream, ph.doc, ph.log)
	ph.spawnOutbound(session)
	ph.spawnEphemeralOutbound(session)
	go func() {
		_ = session.SendSync(ph.doc.GenerateSyncMessage())
	}()
	return session, nil
}

func (ph *Host) handleIncoming(stream network.Stream) {
	if err := expectSecret(stream, ph.secret); err != nil {
		ph.log.WithError(err).Warn("rejecting peer stream: bad secret")
		stream.Reset()
		return
	}
	if err := sendSecret(stream, ph.secret); err != nil {
		stream.Reset()
		return
	}
	session := newSession(stream, ph.doc, ph.log)
	ph.spawnOutbound(session)
	ph.spawnEphemeralOutbound(session)
	go func() {
		_ = session.SendSync(ph.doc.GenerateSyncMessage())
	}()
	session.Run(context.Background())
}

// spawnOutbound starts the goroutine that offers this peer a fresh
// sync message every time the document changes, until the session's
// read loop (Run) ends.
func (ph *Host) spawnOutbound(session *Session) {
	if ph.subscribe == nil {
		return
	}
	sub := make(chan struct{}, 1)
	ph.subscribe(sub)
	go func() {
		for {
			select {
			case <-session.done:
				return
			case <-sub:
				if err := session.SendSync(ph.doc.GenerateSyncMessage()); err != nil {
					return
				}
			}
		}
	}()
}

// spawnEphemeralOutbound starts the goroutine that forwards every
// locally-originated cursor update to this peer as an ephemeral frame,
// until the session's read loop (Run) ends.
func (ph *Host) spawnEphemeralOutbound(session *Session) {
	if ph.subscribeEphemeral == nil {
		return
	}
	sub := make(chan []byte, 8)
	ph.subscribeEphemeral(sub)
	go func() {
		for {
			select {
			case <-session.done:
				return
			case data := <-sub:
				if err := session.SendEphemeral(data); err != nil {
					return
				}
			}
		}
	}()
}

func sendSecret(stream network.Stream, secret []byte) error {
	if _, err := stream.Write(secret); err != nil {
		return errors.Wrap(err, "sending pre-shared secret")
	}
	return nil
}

func expectSecret(stream network.Stream, secret []byte) error {
	buf := make([]byte, SecretSize)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return errors.Wrap(err, "reading pre-shared secret")
	}
	if subtle.ConstantTimeCompare(buf, secret) != 1 {
		return errors.New("pre-shared secret mismatch")
	}
	return nil
}

// GenerateSecret returns a fresh random pre-shared secret.
func GenerateSecret() ([]byte, error) {
	buf := make([]byte, SecretSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, errors.Wrap(err, "generating secret")
	}
	return buf, nil
}

// Session is one authenticated peer connection: a read loop that
// applies inbound frames to the document, and a write side callers use
// to push outbound sync messages and cursor updates.
type Session struct {
	stream network.Stream
	w      *bufio.Writer
	wmu    sync.Mutex
	doc    Document
	log    *logrus.Logger
	done   chan struct{}
}

func newSession(stream network.Stream, doc Document, log *logrus.Logger) *Session {
	return &Session{stream: stream, w: bufio.NewWriter(stream), doc: doc, log: log, done: make(chan struct{})}
}

// Run reads frames until the stream closes or ctx is done, applying
// each to the document. Closes done on return, which also stops this
// session's outbound sync goroutine.
func (s *Session) Run(ctx context.Context) {
	defer s.stream.Close()
	defer close(s.done)
	r := bufio.NewReader(s.stream)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		kind, payload, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				s.log.WithError(err).Warn("peer sync stream read failed")
			}
			return
		}
		switch kind {
		case FrameSync:
			s.doc.ReceiveSyncMessage(payload)
		case FrameEphemeral:
			s.doc.ReceiveEphemeral(payload)
		}
	}
}

// SendSync writes a sync-message frame. Safe for concurrent use.
func (s *Session) SendSync(data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return writeFrame(s.w, FrameSync, data)
}

// SendEphemeral writes a cursor-update frame. Safe for concurrent use.
func (s *Session) SendEphemeral(data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return writeFrame(s.w, FrameEphemeral, data)
}

func writeFrame(w *bufio.Writer, kind FrameKind, payload []byte) error {
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	header[4] = byte(kind)
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "writing frame header")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "writing frame payload")
	}
	return errors.Wrap(w.Flush(), "flushing frame")
}

func readFrame(r *bufio.Reader) (FrameKind, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(header)
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, errors.Wrap(err, "reading frame payload")
	}
	return FrameKind(header[4]), payload, nil
}
