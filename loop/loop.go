package loop

import (
	"sync"
	"time"

	"github.com/oxen-io/lokinet-go/queue"
)

// Loop is the node's single-threaded cooperative event loop: every
// path, transit, NodeDB, and packet-router mutation is expected to run
// via Call/CallLater so that it executes serialized on the loop
// goroutine, and cross-thread entry points (transport RX, disk
// completions) are marshalled through the same inbox.
type Loop struct {
	Worker

	inbox chan func()

	mu      sync.Mutex
	pending *queue.DeadlineQueue // of *timer, by deadline unix-nano
	nextID  uint64
	byID    map[uint64]*timer
	wake    chan struct{}
}

type timer struct {
	id       uint64
	deadline time.Time
	fn       func()
	canceled bool
}

// New starts the loop's dispatch goroutine. Call Halt to stop it.
func New() *Loop {
	l := &Loop{
		inbox:   make(chan func(), 256),
		pending: queue.New(),
		byID:    make(map[uint64]*timer),
		wake:    make(chan struct{}, 1),
	}
	l.Go(l.run)
	return l
}

// Call marshals fn onto the loop goroutine and returns immediately.
// fn runs later, in submission order relative to other Call/CallLater
// invocations whose deadlines have passed.
func (l *Loop) Call(fn func()) {
	select {
	case l.inbox <- fn:
	case <-l.HaltCh():
	}
}

// CallLater schedules fn to run on the loop goroutine no earlier than d
// from now, returning a cancel function. Calling it after fn has
// already run is a harmless no-op.
func (l *Loop) CallLater(d time.Duration, fn func()) (cancelFn func()) {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	t := &timer{id: id, deadline: time.Now().Add(d), fn: fn}
	l.byID[id] = t
	l.pending.Enqueue(uint64(t.deadline.UnixNano()), t)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if pt, ok := l.byID[id]; ok {
			pt.canceled = true
			delete(l.byID, id)
		}
	}
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.pending.Peek()
	if e == nil {
		return time.Time{}, false
	}
	return e.Value.(*timer).deadline, true
}

func (l *Loop) popDue(now time.Time) []*timer {
	l.mu.Lock()
	defer l.mu.Unlock()
	var due []*timer
	for {
		e := l.pending.Peek()
		if e == nil {
			break
		}
		t := e.Value.(*timer)
		if t.deadline.After(now) {
			break
		}
		l.pending.Dequeue()
		delete(l.byID, t.id)
		if !t.canceled {
			due = append(due, t)
		}
	}
	return due
}

func (l *Loop) run() {
	timerCh := time.NewTimer(time.Hour)
	defer timerCh.Stop()

	for {
		deadline, has := l.nextDeadline()
		if has {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			if !timerCh.Stop() {
				select {
				case <-timerCh.C:
				default:
				}
			}
			timerCh.Reset(d)
		}

		select {
		case <-l.HaltCh():
			return
		case fn := <-l.inbox:
			fn()
		case <-l.wake:
			// A new CallLater may have beaten the current timer; loop
			// around to recompute nextDeadline.
		case now := <-timerCh.C:
			for _, t := range l.popDue(now) {
				t.fn()
			}
		}
	}
}
