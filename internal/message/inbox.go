package message

import (
	"sync/atomic"

	"github.com/gambit-chess/gambit-server-go/internal/bus"
	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
)

// Inbox is a component's dedicated FIFO. It stamps every envelope with the
// next sequence number of this queue.
//
// Actions from outside sources wait in a separate input queue of the same
// capacity. Get hands one out only while the main queue is empty, so input
// can never take the room reserved for orchestrator deliveries.
type Inbox struct {
	name     string
	queue    *bus.Queue[Envelope]
	inputs   *bus.Queue[Envelope]
	seq      uint64
	inputSeq uint64
	// wake is set while an inputReady marker sits in queue.
	wake atomic.Bool
}

// NewInbox creates an inbox holding at most capacity envelopes.
func NewInbox(name string, capacity int) *Inbox {
	in := &Inbox{name: name}
	in.queue = bus.NewQueue[Envelope](capacity, func(env *Envelope) {
		in.seq++
		env.Seq = in.seq
	})
	in.inputs = bus.NewQueue[Envelope](capacity, func(env *Envelope) {
		in.inputSeq++
		env.Seq = in.inputSeq
	})
	return in
}

// inputReady wakes a consumer blocked on an empty queue.
type inputReady struct{}

func (inputReady) Kind() Kind { return kindInputReady }

const kindInputReady Kind = "INPUT_READY"

// Name returns the inbox owner's component id.
func (in *Inbox) Name() string {
	return in.name
}

// Put blocks while the inbox is full. Move-bearing producers use it so no
// submission is ever dropped.
func (in *Inbox) Put(from string, body Body) error {
	return in.queue.Put(Envelope{From: from, Body: body})
}

// Offer enqueues without blocking and returns bus.ErrFull when there is no room.
func (in *Inbox) Offer(from string, body Body) error {
	return in.queue.Offer(Envelope{From: from, Body: body})
}

// Submit queues an action from an outside source without blocking. It
// returns bus.ErrFull when the input backlog is at capacity.
func (in *Inbox) Submit(from string, a Action) error {
	if err := in.inputs.Offer(Envelope{From: from, Body: Input{Action: a}}); err != nil {
		return err
	}
	if in.wake.CompareAndSwap(false, true) {
		// A full queue wakes the consumer anyway.
		if err := in.queue.Offer(Envelope{From: from, Body: inputReady{}}); err != nil {
			in.wake.Store(false)
		}
	}
	return nil
}

// Get blocks until an envelope is available or the inbox is closed.
// Queued deliveries come before submitted input.
func (in *Inbox) Get() (Envelope, error) {
	for {
		if in.queue.Len() == 0 {
			if env, ok := in.inputs.TryGet(); ok {
				return env, nil
			}
		}
		env, err := in.queue.Get()
		if err != nil {
			if input, ok := in.inputs.TryGet(); ok {
				return input, nil
			}
			return env, err
		}
		if env.Kind() == kindInputReady {
			in.wake.Store(false)
			continue
		}
		return env, nil
	}
}

// Len returns the number of queued envelopes, not counting submitted input.
func (in *Inbox) Len() int {
	return in.queue.Len()
}

// Cap returns how many envelopes the inbox holds.
func (in *Inbox) Cap() int {
	return in.queue.Cap()
}

// Backlog returns the number of submitted actions not yet handed out.
func (in *Inbox) Backlog() int {
	return in.inputs.Len()
}

// Close wakes every blocked producer and consumer.
func (in *Inbox) Close() {
	in.inputs.Close()
	in.queue.Close()
}

// HandlerKind tags the input source behind a handler.
type HandlerKind string

const (
	HandlerInteractive HandlerKind = "local-interactive"
	HandlerAutomated   HandlerKind = "local-automated"
	HandlerRemote      HandlerKind = "remote"
)

// Identity names a player slot.
type Identity struct {
	ID   string
	Side rules.Side
	Kind HandlerKind
}

// Register adds a player slot to the orchestrator. Inbox is where the
// orchestrator delivers results and broadcasts for that slot.
type Register struct {
	Identity Identity
	Inbox    *Inbox
}

func (Register) Kind() Kind { return KindRegister }
