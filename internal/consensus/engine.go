// Package consensus implements the Consensus Engine (C): the
// single-consumer event loop that drives the three-phase protocol,
// per spec.md §4.3. It consumes commands.ConsensusCommand from an
// inbound channel, mutates the owned State and Bank, and emits
// commands.NodeCommand to an outbound channel for the transport to
// carry out. Every mutation of state happens on this one goroutine;
// nothing else touches it.
package consensus

import (
	"context"
	"time"

	"github.com/coreos/pkg/capnslog"

	"github.com/sydli/pbftkv/internal/bank"
	"github.com/sydli/pbftkv/internal/clock"
	"github.com/sydli/pbftkv/internal/commands"
	"github.com/sydli/pbftkv/internal/config"
	"github.com/sydli/pbftkv/internal/signing"
	"github.com/sydli/pbftkv/internal/state"
	"github.com/sydli/pbftkv/internal/types"
	"github.com/sydli/pbftkv/internal/viewchange"
)

var log = capnslog.NewPackageLogger("github.com/sydli/pbftkv", "consensus")

// Engine owns State, the Message Bank, and the View Changer, and
// drives the protocol from a single goroutine started by Run.
type Engine struct {
	id       types.NodeId
	cfg      *config.Config
	state    *state.State
	signer   signing.Signer
	verifier signing.Verifier
	vc       *viewchange.Changer

	in  chan commands.ConsensusCommand
	out chan commands.NodeCommand
}

// New builds an Engine. inboundCapacity sizes the bounded MPSC
// command queue (spec.md §5).
func New(cfg *config.Config, signer signing.Signer, verifier signing.Verifier, c clock.Clock, inboundCapacity int) *Engine {
	e := &Engine{
		id:       cfg.Self,
		cfg:      cfg,
		state:    state.New(cfg, bank.New(), verifier),
		signer:   signer,
		verifier: verifier,
		in:       make(chan commands.ConsensusCommand, inboundCapacity),
		out:      make(chan commands.NodeCommand, inboundCapacity),
	}
	e.vc = viewchange.New(c, cfg.ViewChangeTimeoutBase, maxViewChangeBackoff(cfg.ViewChangeTimeoutBase), e.Enqueue)
	return e
}

// maxViewChangeBackoff caps the exponential backoff at 64x the base
// timeout, per spec.md §4.4's "capped" exponential backoff.
func maxViewChangeBackoff(base time.Duration) time.Duration {
	return 64 * base
}

// Outbound exposes the NodeCommand channel for the transport to drain.
func (e *Engine) Outbound() <-chan commands.NodeCommand { return e.out }

// Enqueue submits a command to the engine's inbound queue. Safe to
// call from any goroutine — this is the View Changer's and the
// transport's only handle onto the engine (spec.md §9: weak
// reference, not direct state access).
func (e *Engine) Enqueue(c commands.ConsensusCommand) {
	e.in <- c
}

// Run drains the inbound queue until ctx is canceled. Each command
// runs to completion before the next is dequeued (spec.md §4.3).
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-e.in:
			e.dispatch(c)
		}
	}
}

func (e *Engine) dispatch(c commands.ConsensusCommand) {
	switch {
	case c.ProcessMessage != nil:
		e.handleProcessMessage(c.ProcessMessage.Message)
	case c.MisdirectedClientRequest != nil:
		e.handleMisdirectedClientRequest(c.MisdirectedClientRequest.Request)
	case c.InitPrePrepare != nil:
		e.handleInitPrePrepare(c.InitPrePrepare.Request)
	case c.AcceptPrePrepare != nil:
		e.handleAcceptPrePrepare(c.AcceptPrePrepare.PrePrepare)
	case c.AcceptPrepare != nil:
		e.handleAcceptPrepare(c.AcceptPrepare.Prepare)
	case c.EnterCommit != nil:
		e.handleEnterCommit(c.EnterCommit.Prepare)
	case c.AcceptCommit != nil:
		e.handleAcceptCommit(c.AcceptCommit.Commit)
	case c.ApplyCommit != nil:
		e.handleApplyCommit(c.ApplyCommit.Commit)
	case c.InitViewChange != nil:
		e.handleInitViewChange(c.InitViewChange.Request)
	case c.AcceptViewChange != nil:
		e.handleAcceptViewChange(c.AcceptViewChange.ViewChange)
	case c.AcceptNewView != nil:
		e.handleAcceptNewView(c.AcceptNewView.NewView)
	case c.AcceptCheckpoint != nil:
		e.handleAcceptCheckpoint(c.AcceptCheckpoint.Checkpoint)
	}
}

func (e *Engine) emit(nc commands.NodeCommand) {
	e.out <- nc
}

func (e *Engine) peerAddr(id types.NodeId) (string, bool) {
	addr, ok := e.cfg.PeerAddrs[id]
	return addr, ok
}

func (e *Engine) broadcast(m types.Message) {
	e.emit(commands.OfBroadCastMessage(m))
}

func (e *Engine) sendTo(addr string, m types.Message) {
	e.emit(commands.OfSendMessage(addr, m))
}
