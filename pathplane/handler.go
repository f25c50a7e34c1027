package pathplane

import (
	"errors"
	"time"

	"github.com/oxen-io/lokinet-go/crypto"
	"github.com/oxen-io/lokinet-go/rc"
	"github.com/oxen-io/lokinet-go/wireframe"
)

// MaxPaths is the hard cap on paths a single handler may maintain.
const MaxPaths = 32

// BuildBackoffCeiling bounds the exponential build-interval backoff.
const BuildBackoffCeiling = 30 * time.Second

var (
	ErrMaxPathsReached  = errors.New("pathplane: handler already holds MaxPaths paths")
	ErrInsufficientPool = errors.New("pathplane: not enough eligible distinct routers to build a path")
	ErrBuildThrottled   = errors.New("pathplane: build_interval_limit has not elapsed since last build")
	ErrFirstHopLimited  = errors.New("pathplane: candidate first hop is rate-limited by BuildLimiter")
)

// RouterSource is the subset of nodedb.DB the builder needs to select
// hop candidates. Declared here (rather than imported from nodedb) so
// pathplane has no dependency on the nodedb package; *nodedb.DB
// satisfies this interface structurally.
type RouterSource interface {
	IsFirstHopAllowed(id [32]byte) bool
	IsPathAllowed(id [32]byte) bool
	GetRandomWhitelistRouter(randIntn func(n int) int) (*rc.RC, bool)
}

// BuildStats records build outcomes.
type BuildStats struct {
	Attempts   int
	Success    int
	BuildFails int
	Timeouts   int
}

// Handler owns every path the client currently maintains: a
// router_id -> path map, a hop_id -> router_id map for inbound frame
// routing, the decaying BuildLimiter, and build statistics with
// exponential backoff.
type Handler struct {
	NumHops         int
	NumPathsDesired int

	paths    map[[32]byte]*Path   // keyed by dest router ID (path.Intro.Router)
	hopIndex map[[16]byte][32]byte // first-hop RxID -> dest router ID, for inbound dispatch

	limiter *BuildLimiter
	Stats   BuildStats

	buildIntervalLimit time.Duration
	lastBuild          time.Time

	source   RouterSource
	loop     Looper
	send     SendFunc
	lifetime time.Duration
	randIntn func(n int) int
}

// NewHandler constructs a Handler. lifetime is the transit-hop
// lifetime to request at build time (TransitHopLifetime if 0).
func NewHandler(numHops, numPathsDesired int, source RouterSource, loop Looper, send SendFunc, lifetime time.Duration) *Handler {
	if lifetime == 0 {
		lifetime = TransitHopLifetime
	}
	return &Handler{
		NumHops:            numHops,
		NumPathsDesired:    numPathsDesired,
		paths:              make(map[[32]byte]*Path),
		hopIndex:           make(map[[16]byte][32]byte),
		limiter:            NewBuildLimiter(MinPathBuildInterval),
		buildIntervalLimit: MinPathBuildInterval,
		source:             source,
		loop:               loop,
		send:               send,
		lifetime:           lifetime,
		randIntn:           crypto.RandInt,
	}
}

// Paths returns every path currently tracked, for tick-driving by the
// owning loop.
func (h *Handler) Paths() []*Path {
	out := make([]*Path, 0, len(h.paths))
	for _, p := range h.paths {
		out = append(out, p)
	}
	return out
}

// PathByFirstHopRxID resolves an inbound frame's hop_id back to its
// owning path, for the router to dispatch returning control/data
// frames.
func (h *Handler) PathByFirstHopRxID(rxID [16]byte) (*Path, bool) {
	routerID, ok := h.hopIndex[rxID]
	if !ok {
		return nil, false
	}
	p, ok := h.paths[routerID]
	return p, ok
}

// AlignedHopsToRemote selects NumHops distinct RCs: the first hop must
// satisfy IsFirstHopAllowed, every hop must satisfy IsPathAllowed, none
// may be in blacklist, and when dest is non-nil the last hop is pinned
// to it.
func (h *Handler) AlignedHopsToRemote(dest *rc.RC, blacklist map[[32]byte]bool) ([]*rc.RC, error) {
	chosen := make([]*rc.RC, 0, h.NumHops)
	seen := make(map[[32]byte]bool, h.NumHops)
	if blacklist == nil {
		blacklist = map[[32]byte]bool{}
	}
	if dest != nil {
		seen[dest.ID()] = true
	}

	want := h.NumHops
	if dest != nil {
		want--
	}

	const maxAttempts = 256
	for i := 0; i < want; i++ {
		ok := false
		for attempt := 0; attempt < maxAttempts; attempt++ {
			cand, found := h.source.GetRandomWhitelistRouter(h.randIntn)
			if !found {
				return nil, ErrInsufficientPool
			}
			id := cand.ID()
			if seen[id] || blacklist[id] {
				continue
			}
			if i == 0 && !h.source.IsFirstHopAllowed(id) {
				continue
			}
			if !h.source.IsPathAllowed(id) {
				continue
			}
			seen[id] = true
			chosen = append(chosen, cand)
			ok = true
			break
		}
		if !ok {
			return nil, ErrInsufficientPool
		}
	}
	if dest != nil {
		if !h.source.IsPathAllowed(dest.ID()) {
			return nil, ErrInsufficientPool
		}
		chosen = append(chosen, dest)
	}
	return chosen, nil
}

func buildHop(candidate *rc.RC, lifetime time.Duration) (*Hop, error) {
	ephemeral, err := crypto.NewDHKeypair()
	if err != nil {
		return nil, err
	}
	shared, err := crypto.DH(ephemeral, candidate.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return &Hop{
		RC:       candidate,
		CommKey:  ephemeral,
		Shared:   shared,
		NonceXOR: crypto.HashShared(shared),
		Lifetime: lifetime,
	}, nil
}

// buildInitEnvelope constructs the LR_init build datagram for hops: one
// inner record per hop (the last flagged ExitFlag, every other pointing
// at its successor's router ID), each slot encrypted under that hop's
// own build-time shared secret so the hop can find and decrypt it
// without any prior installed state, packed into the fixed 8-slot
// array, and addressed (via HopID) to the first hop's rx_id so the
// transport layer can resolve where to send it.
func buildInitEnvelope(hops []*Hop) (*wireframe.Envelope, error) {
	records := make([]wireframe.LRRecord, len(hops))
	shareds := make([][crypto.SharedSecretSize]byte, len(hops))
	for i, hop := range hops {
		var nonce [wireframe.NonceSize]byte
		copy(nonce[:], crypto.RandBytes(wireframe.NonceSize))
		rec := wireframe.LRRecord{
			RxID:         hop.RxID,
			TxID:         hop.TxID,
			EphemeralPub: hop.CommKey.Public,
			Nonce:        nonce,
			LifetimeSecs: uint32(hop.Lifetime / time.Second),
		}
		if i+1 < len(hops) {
			rec.NextRouterID = hops[i+1].RC.ID()
		} else {
			rec.ExitFlag = true
		}
		records[i] = rec
		shareds[i] = hop.Shared
	}

	frame, err := wireframe.EncodeLRFrame(records, shareds)
	if err != nil {
		return nil, err
	}
	var envNonce [wireframe.NonceSize]byte
	copy(envNonce[:], crypto.RandBytes(wireframe.NonceSize))
	return &wireframe.Envelope{
		Kind:       wireframe.KindBuild,
		Nonce:      envNonce,
		HopID:      hops[0].RxID,
		Ciphertext: frame,
	}, nil
}

// BuildMore attempts to bring the handler's live path count up by n.
// It is a no-op (ErrBuildThrottled) while buildIntervalLimit has not
// elapsed since the last build attempt.
func (h *Handler) BuildMore(n int, now time.Time) (built []*Path, err error) {
	if now.Sub(h.lastBuild) < h.buildIntervalLimit {
		return nil, ErrBuildThrottled
	}

	for i := 0; i < n; i++ {
		if len(h.paths) >= MaxPaths {
			return built, ErrMaxPathsReached
		}

		candidates, err := h.AlignedHopsToRemote(nil, nil)
		if err != nil {
			h.recordFailure(false)
			return built, err
		}

		firstHopID := candidates[0].ID()
		if h.limiter.Limited(firstHopID, now) {
			return built, ErrFirstHopLimited
		}
		h.limiter.Attempt(firstHopID, now)
		h.lastBuild = now

		hops := make([]*Hop, len(candidates))
		for idx, c := range candidates {
			hop, err := buildHop(c, h.lifetime)
			if err != nil {
				h.recordFailure(false)
				return built, err
			}
			hops[idx] = hop
		}

		p, err := New(hops, h.loop, h.send, h.lifetime)
		if err != nil {
			h.recordFailure(false)
			return built, err
		}

		env, err := buildInitEnvelope(hops)
		if err != nil {
			h.recordFailure(false)
			return built, err
		}

		h.Stats.Attempts++
		h.paths[p.Intro.Router] = p
		h.hopIndex[p.Hops[0].RxID] = p.Intro.Router
		built = append(built, p)

		if err := h.send(env); err != nil {
			h.recordFailure(false)
			h.DropPath(p)
			built = built[:len(built)-1]
			return built, err
		}
	}
	return built, nil
}

// HandleInboundFrame resolves an inbound frame's hop_id back to its
// owning path and dispatches it: an LR_Status reply while the path is
// still BUILDING, otherwise an ordinary control response. Build-outcome
// bookkeeping (success, or a build failure with backoff) is driven
// from the result.
func (h *Handler) HandleInboundFrame(env *wireframe.Envelope) {
	p, ok := h.PathByFirstHopRxID(env.HopID)
	if !ok {
		return
	}
	if p.State == Building {
		_ = p.OnBuildStatus(env.Nonce, env.Ciphertext, h.lifetime)
		switch p.State {
		case Established:
			h.RecordSuccess()
		case Failed:
			h.recordFailure(false)
		}
		return
	}
	_ = p.OnControlResponse(env.Nonce, env.Ciphertext)
}

// RecordSuccess marks a build attempt successful, resetting backoff.
func (h *Handler) RecordSuccess() {
	h.Stats.Success++
	h.buildIntervalLimit = MinPathBuildInterval
}

// RecordTimeout marks a build attempt as having timed out, applying
// exponential backoff to buildIntervalLimit up to
// BuildBackoffCeiling.
func (h *Handler) RecordTimeout() {
	h.Stats.Timeouts++
	h.backoff()
}

func (h *Handler) recordFailure(timeout bool) {
	if timeout {
		h.Stats.Timeouts++
	} else {
		h.Stats.BuildFails++
	}
	h.backoff()
}

func (h *Handler) backoff() {
	next := h.buildIntervalLimit * 2
	if next > BuildBackoffCeiling {
		next = BuildBackoffCeiling
	}
	h.buildIntervalLimit = next
}

// DropPath removes p from the handler's tables and drains its pending
// callbacks; a dropped path refuses any further dispatch.
func (h *Handler) DropPath(p *Path) {
	delete(h.paths, p.Intro.Router)
	if len(p.Hops) > 0 {
		delete(h.hopIndex, p.Hops[0].RxID)
	}
	p.DrainPending()
}

// Rebuild tears down p (draining its pending callbacks with
// ErrCanceled) and constructs a fresh path over the same
// hop RCs with new tx/rx IDs.
func (h *Handler) Rebuild(p *Path) (*Path, error) {
	rcs := make([]*rc.RC, len(p.Hops))
	for i, hop := range p.Hops {
		rcs[i] = hop.RC
	}
	h.DropPath(p)

	hops := make([]*Hop, len(rcs))
	for i, c := range rcs {
		hop, err := buildHop(c, h.lifetime)
		if err != nil {
			return nil, err
		}
		hops[i] = hop
	}
	np, err := New(hops, h.loop, h.send, h.lifetime)
	if err != nil {
		return nil, err
	}
	h.paths[np.Intro.Router] = np
	h.hopIndex[np.Hops[0].RxID] = np.Intro.Router
	return np, nil
}
