// Package viewchange implements the View Changer (V): a wait set of
// client requests the replica expects to see committed, each guarded
// by a timer with exponential backoff across repeated failed views,
// per spec.md §4.4. V holds only a weak handle on the consensus
// engine — an inbound command sender — so it can request a view
// change without reaching into State or the Message Bank directly,
// resolving the cyclic-reference hazard spec.md §9 flags.
package viewchange

import (
	"sync"
	"time"

	"github.com/coreos/pkg/capnslog"

	"github.com/sydli/pbftkv/internal/clock"
	"github.com/sydli/pbftkv/internal/commands"
	"github.com/sydli/pbftkv/internal/types"
)

var log = capnslog.NewPackageLogger("github.com/sydli/pbftkv", "viewchange")

// waitKey identifies a wait-set entry by the request it is waiting to
// see committed, matching spec's (respond_addr, timestamp) dedup key.
type waitKey struct {
	RespondAddr string
	Timestamp   types.Timestamp
}

// Changer tracks outstanding requests and escalates to a view change
// when the primary goes silent (spec.md §4.4). It is safe for
// concurrent use: timers fire on their own goroutines via the
// injected Clock.
type Changer struct {
	mu      sync.Mutex
	clock   clock.Clock
	base    time.Duration
	maxWait time.Duration
	send    func(commands.ConsensusCommand)

	waiting map[waitKey]*entry

	// failedViews counts consecutive view changes that have not yet
	// succeeded, driving the exponential backoff base*2^k.
	failedViews int
}

type entry struct {
	request types.ClientRequest
	timer   clock.Timer
}

// New builds a Changer that enqueues ConsensusCommands onto send
// (ordinarily the consensus engine's own inbound channel) when a wait
// times out. base is the timer duration for the first attempt at a
// given view; maxWait caps the exponential backoff.
func New(c clock.Clock, base time.Duration, maxWait time.Duration, send func(commands.ConsensusCommand)) *Changer {
	return &Changer{
		clock:   c,
		base:    base,
		maxWait: maxWait,
		send:    send,
		waiting: map[waitKey]*entry{},
	}
}

// Add starts waiting for request to commit, if it is not already in
// the wait set. Idempotent: re-adding a request already being waited
// on is a no-op, per spec.md §4.4.
func (v *Changer) Add(request types.ClientRequest) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := waitKey{RespondAddr: request.RespondAddr, Timestamp: request.Timestamp}
	if _, ok := v.waiting[key]; ok {
		return
	}
	d := v.timeoutDuration()
	e := &entry{request: request}
	e.timer = v.clock.AfterFunc(d, func() { v.fire(key) })
	v.waiting[key] = e
	log.Infof("view changer watching respond_addr=%s timestamp=%d timeout=%s", request.RespondAddr, request.Timestamp, d)
}

// timeoutDuration computes base*2^failedViews, capped at maxWait. Must
// be called with v.mu held.
func (v *Changer) timeoutDuration() time.Duration {
	d := v.base
	for i := 0; i < v.failedViews; i++ {
		d *= 2
		if d >= v.maxWait {
			return v.maxWait
		}
	}
	return d
}

// fire is the timer callback: if request is still in the wait set,
// enqueue InitViewChange. If it was already removed (by ApplyCommit
// beating the timer), this is a silent no-op, per spec's
// fire-and-forget cancellation semantics (§5).
func (v *Changer) fire(key waitKey) {
	v.mu.Lock()
	e, ok := v.waiting[key]
	if !ok {
		v.mu.Unlock()
		return
	}
	v.failedViews++
	req := e.request
	v.mu.Unlock()

	log.Infof("view changer timeout for respond_addr=%s timestamp=%d, initiating view change", key.RespondAddr, key.Timestamp)
	v.send(commands.OfInitViewChange(req))
}

// Remove drops request from the wait set, called from ApplyCommit
// once its commit has executed (spec.md §4.4: "Removal is driven by
// ApplyCommit").
func (v *Changer) Remove(request types.ClientRequest) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := waitKey{RespondAddr: request.RespondAddr, Timestamp: request.Timestamp}
	if e, ok := v.waiting[key]; ok {
		e.timer.Stop()
		delete(v.waiting, key)
	}
}

// NoteViewEntered resets the backoff counter once a view change
// succeeds (a NewView is accepted and this replica resumes normal
// operation), so that a later, unrelated primary failure starts again
// from the base timeout rather than an inflated one.
func (v *Changer) NoteViewEntered() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failedViews = 0
}

// Drain empties the wait set, stopping every pending timer, and
// returns the requests that were being watched. Called once a view
// change succeeds: a request can be stranded in the old view with no
// prepared proof at all (its primary went silent before ever issuing
// a PrePrepare for it), so the new view's outstanding_pre_prepares
// replay has nothing to adopt it from. The engine re-submits every
// drained request through the ordinary client-request path so it gets
// proposed (or re-forwarded) under the new primary instead of being
// stranded forever (spec.md §8, scenario E4).
func (v *Changer) Drain() []types.ClientRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]types.ClientRequest, 0, len(v.waiting))
	for key, e := range v.waiting {
		e.timer.Stop()
		out = append(out, e.request)
		delete(v.waiting, key)
	}
	return out
}
