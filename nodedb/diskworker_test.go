package nodedb

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-io/lokinet-go/loop"
)

func TestDiskWorkerPoolRunsJobAndCallsBackOnLoop(t *testing.T) {
	l := loop.New()
	defer l.Halt()

	p := NewDiskWorkerPool(2, l)
	defer p.Halt()

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	p.Submit(func() error {
		return nil
	}, func(err error) {
		gotErr = err
		wg.Done()
	})

	require.True(t, waitTimeout(&wg, time.Second))
	require.NoError(t, gotErr)
}

func TestDiskWorkerPoolPropagatesJobError(t *testing.T) {
	l := loop.New()
	defer l.Halt()

	p := NewDiskWorkerPool(1, l)
	defer p.Halt()

	sentinel := errors.New("disk failure")
	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	p.Submit(func() error {
		return sentinel
	}, func(err error) {
		gotErr = err
		wg.Done()
	})

	require.True(t, waitTimeout(&wg, time.Second))
	require.Equal(t, sentinel, gotErr)
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
