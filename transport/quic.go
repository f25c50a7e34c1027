// Package transport provides the node's concrete inter-hop datagram
// transport: each path frame travels as one QUIC datagram over a
// connection cached per next-hop address, relying on QUIC's own
// authenticated encryption for the outer transport layer — distinct
// from, and layered outside of, the per-hop onion crypto in package
// wireframe.
//
// The listener follows a listener/accept-loop/connection-callback
// shape over quic-go (github.com/quic-go/quic-go) datagrams; outbound
// dialing caches one persistent connection per peer, reused across
// sends.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/oxen-io/lokinet-go/loop"
	"github.com/oxen-io/lokinet-go/metrics"
)

var log = logging.MustGetLogger("transport")

// alpn is the transport's QUIC ALPN identifier. It pins connections to
// this protocol only; it is not a capability or version negotiation.
const alpn = "lokinet-path/1"

// DialTimeout bounds how long dialing a new next-hop connection may
// take before a send fails.
const DialTimeout = 5 * time.Second

var (
	ErrClosed      = errors.New("transport: listener closed")
	ErrFrameTooBig = errors.New("transport: frame exceeds datagram size")
)

// Sender is the narrow capability components D-H need to emit a frame
// toward a peer address. *Listener satisfies it; tests substitute an
// in-memory fake so pathplane/transit logic can be exercised without a
// real socket.
type Sender interface {
	SendTo(ctx context.Context, addr string, frame []byte) error
}

// FrameHandler processes one inbound frame from a remote peer address,
// invoked on a per-connection goroutine (it must not block the
// listener's accept loop; handlers that need to touch loop-owned state
// should marshal through loop.Loop.Call themselves).
type FrameHandler func(remoteAddr string, frame []byte)

// Listener accepts inbound QUIC connections and datagrams on one UDP
// address, and dials outbound connections to next hops on demand,
// caching one connection per peer address for reuse.
type Listener struct {
	loop.Worker

	addr    string
	handler FrameHandler

	tlsConf  *tls.Config
	quicConf *quic.Config

	ln *quic.Listener

	mu    sync.Mutex
	conns map[string]*quic.Conn
}

// New constructs a Listener bound to addr (not yet listening; call
// Start). handler is invoked for every inbound datagram once Start has
// been called.
func New(addr string, handler FrameHandler) (*Listener, error) {
	tlsConf, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	return &Listener{
		addr:    addr,
		handler: handler,
		tlsConf: tlsConf,
		quicConf: &quic.Config{
			EnableDatagrams: true,
			MaxIdleTimeout:  2 * time.Minute,
		},
		conns: make(map[string]*quic.Conn),
	}, nil
}

// Start begins listening and accepting connections in the background.
func (t *Listener) Start() error {
	ln, err := quic.ListenAddr(t.addr, t.tlsConf, t.quicConf)
	if err != nil {
		return err
	}
	t.ln = ln
	t.Go(t.acceptLoop)
	return nil
}

// Stop closes the listener and every cached peer connection, and waits
// for in-flight accept/read goroutines to exit.
func (t *Listener) Stop() {
	if t.ln != nil {
		if err := t.ln.Close(); err != nil {
			log.Debugf("listener close: %s", err)
		}
	}
	t.Halt()

	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, conn := range t.conns {
		_ = conn.CloseWithError(0, "shutdown")
		delete(t.conns, addr)
	}
	metrics.TransportPeerConnsActive.Set(0)
}

func (t *Listener) acceptLoop() {
	ctx := t.haltContext()
	for {
		conn, err := t.ln.Accept(ctx)
		if err != nil {
			select {
			case <-t.HaltCh():
				return
			default:
				log.Errorf("accept: %s", err)
				continue
			}
		}
		t.Go(func() { t.serveConn(conn) })
	}
}

func (t *Listener) serveConn(conn *quic.Conn) {
	remote := conn.RemoteAddr().String()
	ctx := t.haltContext()
	for {
		frame, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			select {
			case <-t.HaltCh():
				return
			default:
			}
			log.Debugf("connection from %s ended: %s", remote, err)
			return
		}
		metrics.TransportFramesTotal.WithLabelValues("received", "ok").Inc()
		t.handler(remote, frame)
	}
}

// SendTo dials (or reuses) a connection to addr and sends frame as one
// datagram. It is safe for concurrent use by multiple path hops.
func (t *Listener) SendTo(ctx context.Context, addr string, frame []byte) error {
	conn, err := t.peerConn(ctx, addr)
	if err != nil {
		metrics.TransportFramesTotal.WithLabelValues("sent", "error").Inc()
		return err
	}
	if err := conn.SendDatagram(frame); err != nil {
		metrics.TransportFramesTotal.WithLabelValues("sent", "error").Inc()
		t.dropConn(addr)
		return err
	}
	metrics.TransportFramesTotal.WithLabelValues("sent", "ok").Inc()
	return nil
}

func (t *Listener) peerConn(ctx context.Context, addr string) (*quic.Conn, error) {
	t.mu.Lock()
	if conn, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, addr, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[addr]; ok {
		_ = conn.CloseWithError(0, "superseded")
		return existing, nil
	}
	t.conns[addr] = conn
	metrics.TransportPeerConnsActive.Set(float64(len(t.conns)))
	return conn, nil
}

func (t *Listener) dropConn(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, addr)
	metrics.TransportPeerConnsActive.Set(float64(len(t.conns)))
}

func (t *Listener) haltContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-t.HaltCh()
		cancel()
	}()
	return ctx
}

// generateTLSConfig produces a throwaway self-signed TLS identity for
// QUIC's transport-level encryption. Peer identity at this layer is
// intentionally not authenticated: the onion layer's RC-pinned DH keys
// are what establish trust in a hop, so this cert only buys QUIC's
// confidentiality/integrity guarantees for the outer hop-to-hop link.
func generateTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}, nil
}
