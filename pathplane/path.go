// Package pathplane implements the client-side path: the hop-sequence
// container, the LR_init build protocol, control/data send with
// response callbacks, latency/expiry bookkeeping, and the handler/
// builder that selects hop sets, enforces build-rate limits, and
// records build statistics.
//
// Handler selects an ordered hop vector (AlignedHopsToRemote) and
// key-exchanges each hop; New splices those hops into a path; SendControl follows a
// pending-request/callback-by-nonce pattern for matching responses.
package pathplane

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/oxen-io/lokinet-go/crypto"
	"github.com/oxen-io/lokinet-go/rc"
	"github.com/oxen-io/lokinet-go/wireframe"
)

// Tuning constants governing path lifetime and liveness checks.
const (
	DefaultNumHops    = 4
	MaxHops           = 8
	AliveTimeout      = 60 * time.Second
	LatencyInterval   = 30 * time.Second
	BuildDeadline     = 10 * time.Second
	TimeoutRevivable  = 45 * time.Second
	TransitHopLifetime = 10 * time.Minute
)

// State is a path's lifecycle stage.
type State int

const (
	Building State = iota
	Established
	Timeout
	Expired
	Failed
)

func (s State) String() string {
	switch s {
	case Building:
		return "BUILDING"
	case Established:
		return "ESTABLISHED"
	case Timeout:
		return "TIMEOUT"
	case Expired:
		return "EXPIRED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrZeroHops       = errors.New("pathplane: path requires at least one hop")
	ErrTooManyHops    = errors.New("pathplane: path exceeds MaxHops")
	ErrNotEstablished = errors.New("pathplane: path is not established")
)

// Hop is the client's per-hop build state.
type Hop struct {
	RC       *rc.RC
	TxID     [16]byte
	RxID     [16]byte
	CommKey  *crypto.DHKeypair
	Shared   [crypto.SharedSecretSize]byte
	NonceXOR [crypto.NonceXORSize]byte
	Lifetime time.Duration
}

func (h *Hop) hopKey() wireframe.HopKey {
	return wireframe.HopKey{Shared: h.Shared, NonceXOR: h.NonceXOR}
}

func randID16() [16]byte {
	var id [16]byte
	for {
		if _, err := rand.Read(id[:]); err != nil {
			panic("pathplane: system entropy source failed: " + err.Error())
		}
		if id != ([16]byte{}) {
			return id
		}
	}
}

// Intro is the path's introduction point for name/intro lookups: the
// last hop's identity and the path-ID addressed to it.
type Intro struct {
	Router [32]byte
	PathID [16]byte
}

// pendingCallback is one outstanding send_control response.
type pendingCallback struct {
	cb       func(payload []byte, err error)
	deadline time.Time
	cancel   func()
}

// ResponseError values passed to a send_control callback's err when it
// does not carry real response bytes.
var (
	ErrTimeout       = errors.New("pathplane: control response timed out")
	ErrCanceled      = errors.New("pathplane: control response canceled")
	ErrDecryptFailed = errors.New("pathplane: control response failed to decrypt")
)

// Looper is the subset of the loop the Path needs: scheduling delayed
// callbacks (the control-response deadline, latency probes) without
// the path package depending on the full loop API surface.
type Looper interface {
	CallLater(d time.Duration, fn func()) (cancel func())
}

// Path is an ordered sequence of 1..MaxHops hops plus lifecycle and
// latency bookkeeping.
type Path struct {
	Hops  []*Hop
	Intro Intro

	State State

	LastRecvMsg     time.Time
	LastLatencyTest time.Time
	Latency         time.Duration
	BuildStarted    time.Time
	ExpiresAt       time.Time

	missedLatencyProbes int

	pending map[[16]byte]*pendingCallback

	loop Looper
	send SendFunc
}

// SendFunc hands a fully wrapped Envelope to the transport for
// delivery to Hops[0].
type SendFunc func(env *wireframe.Envelope) error

// New constructs a Path from an ordered hop sequence: allocate and
// splice txID/rxID (re-rolling any that land on zero), then set the
// introduction point to the final hop.
func New(hops []*Hop, loop Looper, send SendFunc, lifetime time.Duration) (*Path, error) {
	if len(hops) == 0 {
		return nil, ErrZeroHops
	}
	if len(hops) > MaxHops {
		return nil, ErrTooManyHops
	}

	for _, h := range hops {
		if h.TxID == ([16]byte{}) {
			h.TxID = randID16()
		}
		if h.RxID == ([16]byte{}) {
			h.RxID = randID16()
		}
		if h.Lifetime == 0 {
			h.Lifetime = lifetime
		}
	}
	for i := 0; i < len(hops)-1; i++ {
		hops[i].TxID = hops[i+1].RxID
	}

	last := hops[len(hops)-1]
	p := &Path{
		Hops:         hops,
		Intro:        Intro{Router: last.RC.ID(), PathID: last.TxID},
		State:        Building,
		BuildStarted: time.Now(),
		pending:      make(map[[16]byte]*pendingCallback),
		loop:         loop,
		send:         send,
	}
	return p, nil
}

func (p *Path) hopKeys() []wireframe.HopKey {
	out := make([]wireframe.HopKey, len(p.Hops))
	for i, h := range p.Hops {
		out[i] = h.hopKey()
	}
	return out
}

// SendData wraps body as a data frame and onion-wraps it through every
// hop, handing the envelope to the transport. Returns false if the
// path is not established.
func (p *Path) SendData(body []byte) (bool, error) {
	if p.State != Established {
		return false, ErrNotEstablished
	}
	inner, err := wireframe.EncodeData(body)
	if err != nil {
		return false, err
	}
	nonce, ciphertext, err := wireframe.WrapOutbound(p.hopKeys(), inner)
	if err != nil {
		return false, err
	}
	env := &wireframe.Envelope{Nonce: nonce, HopID: p.Hops[0].RxID, Ciphertext: ciphertext}
	if err := p.send(env); err != nil {
		return false, err
	}
	return true, nil
}

// SendControl onion-wraps a control frame and registers cb to be
// invoked with the decrypted response payload, or with ErrTimeout /
// ErrCanceled / ErrDecryptFailed.
func (p *Path) SendControl(method string, body []byte, deadline time.Duration, cb func(payload []byte, err error)) error {
	if p.State != Established && p.State != Building {
		return ErrNotEstablished
	}
	token := randID16()
	inner, err := wireframe.EncodeControl(method, append(token[:], body...))
	if err != nil {
		return err
	}
	nonce, ciphertext, err := wireframe.WrapOutbound(p.hopKeys(), inner)
	if err != nil {
		return err
	}

	pc := &pendingCallback{cb: cb}
	pc.deadline = time.Now().Add(deadline)
	if p.loop != nil {
		pc.cancel = p.loop.CallLater(deadline, func() { p.fireTimeout(token) })
	}
	p.pending[token] = pc

	env := &wireframe.Envelope{Nonce: nonce, HopID: p.Hops[0].RxID, Ciphertext: ciphertext}
	return p.send(env)
}

func (p *Path) fireTimeout(token [16]byte) {
	pc, ok := p.pending[token]
	if !ok {
		return
	}
	delete(p.pending, token)
	pc.cb(nil, ErrTimeout)
}

// OnControlResponse decrypts an inbound response frame for this path
// and dispatches it to the matching pending callback, identified by
// the token prefixing the decrypted body. A decryption failure is
// reported to the caller as ErrDecryptFailed without tearing the path.
func (p *Path) OnControlResponse(nonce [wireframe.NonceSize]byte, ciphertext []byte) error {
	plain, err := wireframe.UnwrapInbound(p.hopKeys(), nonce, ciphertext)
	if err != nil {
		return ErrDecryptFailed
	}
	_, body, err := wireframe.DecodeControl(plain)
	if err != nil || len(body) < 16 {
		return ErrDecryptFailed
	}
	var token [16]byte
	copy(token[:], body[:16])

	pc, ok := p.pending[token]
	if !ok {
		return nil
	}
	delete(p.pending, token)
	if pc.cancel != nil {
		pc.cancel()
	}
	pc.cb(body[16:], nil)
	p.LastRecvMsg = time.Now()
	return nil
}

// DrainPending fires every outstanding callback with ErrCanceled, used
// when the path is torn down, rebuilt, or the node shuts down (spec
// §5's Cancellation rule).
func (p *Path) DrainPending() {
	for token, pc := range p.pending {
		delete(p.pending, token)
		if pc.cancel != nil {
			pc.cancel()
		}
		pc.cb(nil, ErrCanceled)
	}
}

// IsReady reports whether the path is established and has a confirmed
// round-trip latency measurement (the design notes' restoration of the
// real-latency-probe requirement for readiness).
func (p *Path) IsReady() bool {
	return p.State == Established && p.Latency > 0
}

// IsExpired reports whether now has reached or passed ExpiresAt.
func (p *Path) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// LatencyProbeResult records the outcome of one scheduled latency
// probe, updating the running latency estimate on success and the
// missed-probe counter on failure; two consecutive misses mark the
// path TIMEOUT.
func (p *Path) LatencyProbeResult(rtt time.Duration, ok bool) {
	p.LastLatencyTest = time.Now()
	if !ok {
		p.missedLatencyProbes++
		if p.missedLatencyProbes >= 2 {
			p.State = Timeout
		}
		return
	}
	p.missedLatencyProbes = 0
	p.Latency = rtt
}

// Tick applies lifecycle transitions per spec §4.F: marks TIMEOUT
// after AliveTimeout of silence, EXPIRED at ExpiresAt. It sends no
// probe itself; it returns true if a latency probe is due now.
func (p *Path) Tick(now time.Time) (shouldProbe bool) {
	if p.IsExpired(now) {
		p.State = Expired
		return false
	}
	if p.State == Established && !p.LastRecvMsg.IsZero() && now.Sub(p.LastRecvMsg) > AliveTimeout {
		p.State = Timeout
		return false
	}
	if p.State == Established && now.Sub(p.LastLatencyTest) >= LatencyInterval {
		return true
	}
	return false
}

// MarkEstablished transitions a BUILDING path to ESTABLISHED on full
// round-trip key confirmation.
func (p *Path) MarkEstablished(now time.Time, expiresAt time.Time) {
	p.State = Established
	p.LastRecvMsg = now
	p.ExpiresAt = expiresAt
}

// OnBuildStatus decrypts an inbound LR_Status reply — an
// exit-originated frame onion-stepped backward through every
// intermediate hop's installed splice exactly like a control response —
// and transitions the path on the result: ESTABLISHED when the decoded
// status carries the StatusSuccess bit, FAILED otherwise. A decrypt
// failure is reported as ErrDecryptFailed without tearing the path,
// and the decoded path-ID is not checked.
func (p *Path) OnBuildStatus(nonce [wireframe.NonceSize]byte, ciphertext []byte, lifetime time.Duration) error {
	if p.State != Building {
		return nil
	}
	plain, err := wireframe.UnwrapInbound(p.hopKeys(), nonce, ciphertext)
	if err != nil {
		return ErrDecryptFailed
	}
	status, _, err := wireframe.DecodeStatus(plain)
	if err != nil {
		return ErrDecryptFailed
	}
	// pathID is not gated on here: HandleInboundFrame already resolved
	// this reply to the correct Path via the first hop's rx_id, and an
	// intermediate hop reporting a build failure has no way to learn
	// the exit's path-ID to echo back.
	if status&int(transitStatusSuccess) == int(transitStatusSuccess) {
		p.MarkEstablished(time.Now(), time.Now().Add(lifetime))
	} else {
		p.MarkFailed()
	}
	return nil
}

// transitStatusSuccess mirrors transit.StatusSuccess; duplicated here
// as a plain constant (rather than importing package transit) since
// pathplane only needs the single success bit, and transit already
// imports wireframe — importing transit back would cycle.
const transitStatusSuccess = 1

// MarkFailed transitions the path to FAILED and drains pending
// callbacks with ErrCanceled.
func (p *Path) MarkFailed() {
	p.State = Failed
	p.DrainPending()
}
