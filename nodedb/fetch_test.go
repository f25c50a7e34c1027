package nodedb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oxen-io/lokinet-go/rc"
)

type scriptedRequester struct {
	ridResponses map[[32]byte][][32]byte
	ridErrors    map[[32]byte]error
}

func (s *scriptedRequester) RequestFullRCSet(source [32]byte) ([]*rc.RC, error) {
	return nil, errors.New("not used in this test")
}

func (s *scriptedRequester) RequestRouterIDs(source [32]byte) ([][32]byte, error) {
	if err, ok := s.ridErrors[source]; ok {
		return nil, err
	}
	return s.ridResponses[source], nil
}

func idFor(b byte) [32]byte {
	var id [32]byte
	id[0] = b
	return id
}

func setOf(n int, offset byte) [][32]byte {
	out := make([][32]byte, n)
	for i := 0; i < n; i++ {
		out[i] = idFor(offset + byte(i))
	}
	return out
}

// TestRIDConsensusAgrees checks that when 9 of 12 sources agree on set
// A and 3 on disjoint set B, the consensus becomes A.
func TestRIDConsensusAgrees(t *testing.T) {
	setA := setOf(MinActiveRIDs, 0)
	setB := setOf(MinActiveRIDs, 100)

	sources := setOf(RouterIDSourceCount, 50)
	req := &scriptedRequester{ridResponses: make(map[[32]byte][][32]byte)}
	for i, src := range sources {
		if i < 9 {
			req.ridResponses[src] = setA
		} else {
			req.ridResponses[src] = setB
		}
	}

	f := NewFetcher(New(true), req)
	err := f.RunRIDConsensusRound(sources)
	require.NoError(t, err)

	active := f.ActiveClientRouters()
	for _, id := range setA {
		require.True(t, active[id])
	}
	for _, id := range setB {
		require.False(t, active[id])
	}
	require.Empty(t, f.FailSources())
	require.Zero(t, f.FetchFailures())
}

// TestRIDConsensusAbortsOnSplit checks that when only 6 agree on A and
// the other 6 differ pairwise, the round aborts.
func TestRIDConsensusAbortsOnSplit(t *testing.T) {
	setA := setOf(MinActiveRIDs, 0)

	sources := setOf(RouterIDSourceCount, 50)
	req := &scriptedRequester{ridResponses: make(map[[32]byte][][32]byte)}
	for i, src := range sources {
		if i < 6 {
			req.ridResponses[src] = setA
			continue
		}
		// Each of the remaining 6 disagrees with every other, and each
		// responds with fewer than MinActiveRIDs entries, which the
		// consensus round treats as an erroring source.
		req.ridResponses[src] = setOf(1, byte(200+i))
	}

	err := NewFetcher(New(true), req).RunRIDConsensusRound(sources)
	require.ErrorIs(t, err, ErrAbortRound)
}

func TestRIDConsensusRejectsWrongSourceCount(t *testing.T) {
	f := NewFetcher(New(true), &scriptedRequester{})
	err := f.RunRIDConsensusRound(setOf(3, 0))
	require.Error(t, err)
}
