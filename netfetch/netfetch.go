// Package netfetch backs nodedb.Requester with real network calls over
// the transport package: each request is a small bencode envelope sent
// as one datagram, correlated to its reply by a request ID and a
// pending-call table, the same request/response-over-async-transport
// shape package pathplane uses for send_control/control response.
package netfetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/bencode"

	"github.com/oxen-io/lokinet-go/rc"
	"github.com/oxen-io/lokinet-go/transport"
)

// RequestTimeout bounds how long a single RequestFullRCSet or
// RequestRouterIDs call waits for a reply before failing.
const RequestTimeout = 10 * time.Second

var (
	ErrNoAddress    = errors.New("netfetch: source router has no reachable address")
	ErrTimeout      = errors.New("netfetch: request timed out")
	ErrRemoteFailed = errors.New("netfetch: remote reported an error")
)

const (
	kindRCSetReq = "rcset_req"
	kindRCSetRes = "rcset_res"
	kindRIDsReq  = "rids_req"
	kindRIDsRes  = "rids_res"
)

// envelope is the wire shape of every netfetch frame.
type envelope struct {
	ID   uint64 `bencode:"i"`
	Kind string `bencode:"k"`
	Body []byte `bencode:"b,omitempty"`
	Err  string `bencode:"e,omitempty"`
}

// RouterLocator resolves a router identity to its router contact.
// nodedb.DB satisfies it structurally.
type RouterLocator interface {
	GetRC(id [32]byte) (*rc.RC, bool)
}

// Requester implements nodedb.Requester over a transport.Sender.
// HandleFrame must be wired as the owning transport.Listener's
// FrameHandler so replies reach the waiting caller and peer requests
// reach Serve's handlers.
type Requester struct {
	sender transport.Sender
	locate RouterLocator

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan envelope

	onRequest func(remoteAddr string, req envelope)
}

// New constructs a Requester that sends over sender and resolves
// source router IDs to addresses via locate.
func New(sender transport.Sender, locate RouterLocator) *Requester {
	return &Requester{
		sender:  sender,
		locate:  locate,
		pending: make(map[uint64]chan envelope),
	}
}

func addrOf(r *rc.RC) (string, error) {
	for _, a := range r.Addresses {
		if a.IP != nil {
			return fmt.Sprintf("%s:%d", a.IP.String(), a.Port), nil
		}
	}
	return "", ErrNoAddress
}

func (r *Requester) call(source [32]byte, kind string, body []byte) (envelope, error) {
	target, ok := r.locate.GetRC(source)
	if !ok {
		return envelope{}, ErrNoAddress
	}
	addr, err := addrOf(target)
	if err != nil {
		return envelope{}, err
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	ch := make(chan envelope, 1)
	r.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	frame, err := bencode.EncodeBytes(envelope{ID: id, Kind: kind, Body: body})
	if err != nil {
		return envelope{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), RequestTimeout)
	defer cancel()
	if err := r.sender.SendTo(ctx, addr, frame); err != nil {
		return envelope{}, err
	}

	select {
	case reply := <-ch:
		if reply.Err != "" {
			return envelope{}, fmt.Errorf("%w: %s", ErrRemoteFailed, reply.Err)
		}
		return reply, nil
	case <-time.After(RequestTimeout):
		return envelope{}, ErrTimeout
	}
}

// RequestFullRCSet implements nodedb.Requester.
func (r *Requester) RequestFullRCSet(source [32]byte) ([]*rc.RC, error) {
	reply, err := r.call(source, kindRCSetReq, nil)
	if err != nil {
		return nil, err
	}
	var encoded [][]byte
	if err := bencode.DecodeBytes(reply.Body, &encoded); err != nil {
		return nil, err
	}
	out := make([]*rc.RC, 0, len(encoded))
	for _, b := range encoded {
		decoded, err := rc.Decode(b)
		if err != nil {
			continue
		}
		out = append(out, decoded)
	}
	return out, nil
}

// RequestRouterIDs implements nodedb.Requester.
func (r *Requester) RequestRouterIDs(source [32]byte) ([][32]byte, error) {
	reply, err := r.call(source, kindRIDsReq, nil)
	if err != nil {
		return nil, err
	}
	n := len(reply.Body) / 32
	out := make([][32]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], reply.Body[i*32:(i+1)*32])
	}
	return out, nil
}

// Serve installs the handlers that answer inbound catalog requests
// from peers: rcset_req gets every RC this node's db currently holds,
// rids_req gets its active router ID list.
func (r *Requester) Serve(snapshot func() []*rc.RC, activeRIDs func() [][32]byte) {
	r.onRequest = func(remoteAddr string, req envelope) {
		reply := envelope{ID: req.ID}
		switch req.Kind {
		case kindRCSetReq:
			reply.Kind = kindRCSetRes
			rcs := snapshot()
			encoded := make([][]byte, 0, len(rcs))
			for _, one := range rcs {
				b, err := rc.Encode(one)
				if err != nil {
					continue
				}
				encoded = append(encoded, b)
			}
			body, err := bencode.EncodeBytes(encoded)
			if err != nil {
				reply.Err = err.Error()
			} else {
				reply.Body = body
			}
		case kindRIDsReq:
			reply.Kind = kindRIDsRes
			ids := activeRIDs()
			body := make([]byte, 0, len(ids)*32)
			for _, id := range ids {
				body = append(body, id[:]...)
			}
			reply.Body = body
		default:
			return
		}
		frame, err := bencode.EncodeBytes(reply)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), RequestTimeout)
		defer cancel()
		_ = r.sender.SendTo(ctx, remoteAddr, frame)
	}
}

// HandleFrame dispatches an inbound datagram: a reply is routed to its
// waiting caller by ID; a request is answered by the handler Serve
// installed, if any.
func (r *Requester) HandleFrame(remoteAddr string, frame []byte) {
	var env envelope
	if err := bencode.DecodeBytes(frame, &env); err != nil {
		return
	}
	switch env.Kind {
	case kindRCSetRes, kindRIDsRes:
		r.mu.Lock()
		ch, ok := r.pending[env.ID]
		r.mu.Unlock()
		if ok {
			ch <- env
		}
	case kindRCSetReq, kindRIDsReq:
		if r.onRequest != nil {
			r.onRequest(remoteAddr, env)
		}
	}
}
