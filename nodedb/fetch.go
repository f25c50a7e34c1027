package nodedb

import (
	"errors"

	"github.com/oxen-io/lokinet-go/rc"
)

// Fetch tuning constants governing how a node assembles a trusted
// router-ID consensus view out of multiple, possibly lying, sources.
const (
	RouterIDSourceCount      = 12
	MinRIDFetches            = 8
	MaxRIDErrors             = 4 // ROUTER_ID_SOURCE_COUNT - MinRIDFetches, matching "fewer than" abort rule
	MinActiveRIDs            = 24
	MaxFetchAttempts         = 4
	MaxBootstrapFetchAttempts = 2
)

var ErrAbortRound = errors.New("nodedb: rid fetch round aborted, too few sources answered")

// Requester abstracts the network calls the fetch state machine needs;
// production code backs it with the transport package, tests back it
// with scripted responses.
type Requester interface {
	// RequestFullRCSet asks source for its view of the whole catalog.
	RequestFullRCSet(source [32]byte) ([]*rc.RC, error)

	// RequestRouterIDs asks source for its current active router ID
	// list.
	RequestRouterIDs(source [32]byte) ([][32]byte, error)
}

// Fetcher runs the periodic world-view refresh: a full-RC-set sync
// from one chosen relay, followed by a router-ID consensus round over
// RouterIDSourceCount random whitelist members.
type Fetcher struct {
	db  *DB
	req Requester

	fetchFailures          int
	usingBootstrapFallback bool
	bootstrapAttempts      int
	failSources            map[[32]byte]bool

	activeClientRouters map[[32]byte]bool
}

// NewFetcher constructs a Fetcher bound to db, issuing requests via
// req.
func NewFetcher(db *DB, req Requester) *Fetcher {
	return &Fetcher{
		db:                  db,
		req:                 req,
		failSources:         make(map[[32]byte]bool),
		activeClientRouters: make(map[[32]byte]bool),
	}
}

// FetchFailures returns the current consecutive-failure count against
// the chosen fetch source.
func (f *Fetcher) FetchFailures() int { return f.fetchFailures }

// UsingBootstrapFallback reports whether the fetcher has fallen back
// to a bootstrap node after exhausting MaxFetchAttempts.
func (f *Fetcher) UsingBootstrapFallback() bool { return f.usingBootstrapFallback }

// ActiveClientRouters returns the current router-ID consensus set.
func (f *Fetcher) ActiveClientRouters() map[[32]byte]bool {
	out := make(map[[32]byte]bool, len(f.activeClientRouters))
	for k := range f.activeClientRouters {
		out[k] = true
	}
	return out
}

// SyncFullRCSet performs step 1-2 of the fetch state machine: choose a
// source (preferring pinned edges), request its full RC set, and on
// success replace every accepted RC via PutRCIfNewer.
func (f *Fetcher) SyncFullRCSet(chooseSource func() ([32]byte, bool), bootstrapSources []([32]byte)) error {
	source, ok := chooseSource()
	if f.usingBootstrapFallback && len(bootstrapSources) > 0 {
		source, ok = bootstrapSources[f.bootstrapAttempts%len(bootstrapSources)], true
	}
	if !ok {
		return errors.New("nodedb: no fetch source available")
	}

	rcs, err := f.req.RequestFullRCSet(source)
	if err != nil {
		f.fetchFailures++
		if f.fetchFailures >= MaxFetchAttempts && !f.usingBootstrapFallback {
			f.usingBootstrapFallback = true
			f.bootstrapAttempts = 0
		}
		if f.usingBootstrapFallback {
			f.bootstrapAttempts++
			if f.bootstrapAttempts > MaxBootstrapFetchAttempts {
				return errors.New("nodedb: bootstrap fetch attempts exhausted")
			}
		}
		return err
	}

	f.fetchFailures = 0
	f.usingBootstrapFallback = false
	f.bootstrapAttempts = 0
	for _, r := range rcs {
		f.db.PutRCIfNewer(r)
	}
	return nil
}

// RunRIDConsensusRound performs steps 3-5: ask RouterIDSourceCount
// random whitelist members for their router ID lists and compute the
// consensus active set, per the MIN_RID_FETCHES agreement rule.
//
// sources must hold exactly RouterIDSourceCount distinct identities,
// excluding anything already in fail_sources (the caller is expected
// to consult FailSources when choosing sources again on retry).
func (f *Fetcher) RunRIDConsensusRound(sources [][32]byte) error {
	if len(sources) != RouterIDSourceCount {
		return errors.New("nodedb: rid consensus round requires exactly RouterIDSourceCount sources")
	}

	counts := make(map[[32]byte]int)
	answered := 0

	for _, src := range sources {
		ids, err := f.req.RequestRouterIDs(src)
		if err != nil || len(ids) < MinActiveRIDs {
			f.failSources[src] = true
			continue
		}
		answered++
		seen := make(map[[32]byte]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			counts[id]++
		}
	}

	if answered < RouterIDSourceCount-MaxRIDErrors {
		return ErrAbortRound
	}

	consensus := make(map[[32]byte]bool)
	for id, n := range counts {
		if n >= MinRIDFetches {
			consensus[id] = true
		}
	}

	f.activeClientRouters = consensus
	f.failSources = make(map[[32]byte]bool)
	f.fetchFailures = 0
	return nil
}

// FailSources returns the identities that errored or under-answered in
// the most recent consensus round, to be excluded from the next
// source selection.
func (f *Fetcher) FailSources() map[[32]byte]bool {
	out := make(map[[32]byte]bool, len(f.failSources))
	for k := range f.failSources {
		out[k] = true
	}
	return out
}
