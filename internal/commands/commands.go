// Package commands defines the two command queues that cross the
// boundary between the transport/view-changer world and the
// consensus engine's single-owner event loop (spec.md §2, §4.3, §6):
// ConsensusCommand flows in, NodeCommand flows out. They live in
// their own package so that internal/viewchange (a weak-handle
// collaborator of the engine) can enqueue commands without importing
// internal/consensus, which in turn owns internal/viewchange.
package commands

import (
	"github.com/sydli/pbftkv/internal/types"
)

// ConsensusCommand is the tagged union of every event the consensus
// engine's command loop consumes. Exactly one field is non-nil.
type ConsensusCommand struct {
	ProcessMessage           *ProcessMessage
	MisdirectedClientRequest *MisdirectedClientRequest
	InitPrePrepare           *InitPrePrepare
	AcceptPrePrepare         *AcceptPrePrepare
	AcceptPrepare            *AcceptPrepare
	EnterCommit              *EnterCommit
	AcceptCommit             *AcceptCommit
	ApplyCommit              *ApplyCommit
	InitViewChange           *InitViewChange
	AcceptViewChange         *AcceptViewChange
	AcceptNewView            *AcceptNewView
	AcceptCheckpoint         *AcceptCheckpoint
}

type ProcessMessage struct{ Message types.Message }
type MisdirectedClientRequest struct{ Request types.ClientRequest }
type InitPrePrepare struct{ Request types.ClientRequest }
type AcceptPrePrepare struct{ PrePrepare types.PrePrepare }
type AcceptPrepare struct{ Prepare types.Prepare }
type EnterCommit struct{ Prepare types.Prepare }
type AcceptCommit struct{ Commit types.Commit }
type ApplyCommit struct{ Commit types.Commit }
type InitViewChange struct{ Request types.ClientRequest }
type AcceptViewChange struct{ ViewChange types.ViewChange }
type AcceptNewView struct{ NewView types.NewView }
type AcceptCheckpoint struct{ Checkpoint types.Checkpoint }

func OfProcessMessage(m types.Message) ConsensusCommand {
	return ConsensusCommand{ProcessMessage: &ProcessMessage{Message: m}}
}
func OfMisdirectedClientRequest(r types.ClientRequest) ConsensusCommand {
	return ConsensusCommand{MisdirectedClientRequest: &MisdirectedClientRequest{Request: r}}
}
func OfInitPrePrepare(r types.ClientRequest) ConsensusCommand {
	return ConsensusCommand{InitPrePrepare: &InitPrePrepare{Request: r}}
}
func OfAcceptPrePrepare(pp types.PrePrepare) ConsensusCommand {
	return ConsensusCommand{AcceptPrePrepare: &AcceptPrePrepare{PrePrepare: pp}}
}
func OfAcceptPrepare(p types.Prepare) ConsensusCommand {
	return ConsensusCommand{AcceptPrepare: &AcceptPrepare{Prepare: p}}
}
func OfEnterCommit(p types.Prepare) ConsensusCommand {
	return ConsensusCommand{EnterCommit: &EnterCommit{Prepare: p}}
}
func OfAcceptCommit(c types.Commit) ConsensusCommand {
	return ConsensusCommand{AcceptCommit: &AcceptCommit{Commit: c}}
}
func OfApplyCommit(c types.Commit) ConsensusCommand {
	return ConsensusCommand{ApplyCommit: &ApplyCommit{Commit: c}}
}
func OfInitViewChange(r types.ClientRequest) ConsensusCommand {
	return ConsensusCommand{InitViewChange: &InitViewChange{Request: r}}
}
func OfAcceptViewChange(vc types.ViewChange) ConsensusCommand {
	return ConsensusCommand{AcceptViewChange: &AcceptViewChange{ViewChange: vc}}
}
func OfAcceptNewView(nv types.NewView) ConsensusCommand {
	return ConsensusCommand{AcceptNewView: &AcceptNewView{NewView: nv}}
}
func OfAcceptCheckpoint(cp types.Checkpoint) ConsensusCommand {
	return ConsensusCommand{AcceptCheckpoint: &AcceptCheckpoint{Checkpoint: cp}}
}

// NodeCommand is the tagged union of outbound side effects the
// consensus engine emits for the transport to carry out (spec.md §6).
type NodeCommand struct {
	SendMessage      *SendMessage
	BroadCastMessage *BroadCastMessage
}

type SendMessage struct {
	Destination string
	Message     types.Message
}

type BroadCastMessage struct {
	Message types.Message
}

func OfSendMessage(dest string, m types.Message) NodeCommand {
	return NodeCommand{SendMessage: &SendMessage{Destination: dest, Message: m}}
}
func OfBroadCastMessage(m types.Message) NodeCommand {
	return NodeCommand{BroadCastMessage: &BroadCastMessage{Message: m}}
}
