package nodedb

import (
	"github.com/oxen-io/lokinet-go/loop"
)

// DiskWorkerPool is the bounded pool of goroutines that perform RC file
// I/O. Jobs are submitted from the loop goroutine; completions are
// marshalled back onto the loop via loop.Call so the in-memory catalog
// is only ever mutated on the loop thread.
type DiskWorkerPool struct {
	jobs chan func()
	l    *loop.Loop
	w    loop.Worker
}

// NewDiskWorkerPool starts n worker goroutines draining jobs from a
// bounded channel. l is the owning node's loop, used to marshal job
// completion callbacks back onto the protocol thread.
func NewDiskWorkerPool(n int, l *loop.Loop) *DiskWorkerPool {
	if n <= 0 {
		n = 1
	}
	p := &DiskWorkerPool{
		jobs: make(chan func(), 256),
		l:    l,
	}
	for i := 0; i < n; i++ {
		p.w.Go(p.drain)
	}
	return p
}

func (p *DiskWorkerPool) drain() {
	for {
		select {
		case <-p.w.HaltCh():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			job()
		}
	}
}

// Submit enqueues a disk job. The job itself must not touch the DB —
// it does file I/O only; any resulting mutation of d is performed via
// onDone, invoked back on the loop thread.
func (p *DiskWorkerPool) Submit(job func() error, onDone func(error)) {
	p.jobs <- func() {
		err := job()
		if onDone != nil {
			p.l.Call(func() { onDone(err) })
		}
	}
}

// Halt stops accepting new completions and waits for in-flight jobs to
// finish.
func (p *DiskWorkerPool) Halt() {
	p.w.Halt()
}
