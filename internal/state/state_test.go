package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sydli/pbftkv/internal/types"
)

func TestAddPrepareVoteCrossesQuorumExactlyOnce(t *testing.T) {
	s, _ := newTestState(t)
	slot := types.SlotId{View: 0, SeqNum: 1}

	require.False(t, s.AddPrepareVote(slot, 0))
	require.False(t, s.AddPrepareVote(slot, 1))
	require.True(t, s.AddPrepareVote(slot, 2))
	// A fourth, redundant vote must not re-report crossing.
	require.False(t, s.AddPrepareVote(slot, 3))
}

func TestAddPrepareVoteIsIdempotentPerVoter(t *testing.T) {
	s, _ := newTestState(t)
	slot := types.SlotId{View: 0, SeqNum: 1}

	require.False(t, s.AddPrepareVote(slot, 0))
	require.False(t, s.AddPrepareVote(slot, 0))
	require.False(t, s.AddPrepareVote(slot, 1))
	require.True(t, s.AddPrepareVote(slot, 2))
}

func TestIsPreparedRequiresBoundPrePrepare(t *testing.T) {
	s, signer := newTestState(t)
	slot := types.SlotId{View: 0, SeqNum: 1}
	s.AddPrepareVote(slot, 0)
	s.AddPrepareVote(slot, 1)
	s.AddPrepareVote(slot, 2)
	require.False(t, s.IsPrepared(slot), "quorum without a bound pre-prepare is not yet prepared")

	pp := signedPrePrepare(t, s, signer, 1)
	require.True(t, s.Bank.BindPrePrepare(pp))
	require.True(t, s.IsPrepared(slot))
}

func TestIsCommittedLocalRequiresPreparedFirst(t *testing.T) {
	s, signer := newTestState(t)
	pp := signedPrePrepare(t, s, signer, 1)
	require.True(t, s.Bank.BindPrePrepare(pp))
	slot := pp.Slot()

	s.AddCommitVote(slot, 0)
	s.AddCommitVote(slot, 1)
	s.AddCommitVote(slot, 2)
	require.False(t, s.IsCommittedLocal(slot), "not prepared yet")

	s.AddPrepareVote(slot, 0)
	s.AddPrepareVote(slot, 1)
	s.AddPrepareVote(slot, 2)
	require.True(t, s.IsCommittedLocal(slot))
}

func TestPreparedProofForIncludesAllPrepares(t *testing.T) {
	s, signer := newTestState(t)
	pp := signedPrePrepare(t, s, signer, 1)
	require.True(t, s.Bank.BindPrePrepare(pp))
	slot := pp.Slot()

	p0 := types.Prepare{Id: 0, View: 0, SeqNum: 1, Digest: pp.ClientRequestDigest}
	s.Bank.AppendLog(types.Message{Prepare: &p0})
	s.AddPrepareVote(slot, 0)
	s.AddPrepareVote(slot, 1)
	s.AddPrepareVote(slot, 2)

	proof, ok := s.PreparedProofFor(slot)
	require.True(t, ok)
	require.Equal(t, pp.ClientRequestDigest, proof.PrePrepare.ClientRequestDigest)
	require.Len(t, proof.Prepares, 1)
}

func TestResetForNewViewClearsVotesAndAdvancesView(t *testing.T) {
	s, _ := newTestState(t)
	slot := types.SlotId{View: 0, SeqNum: 1}
	s.AddPrepareVote(slot, 0)
	s.AddCommitVote(slot, 0)
	s.InViewChange = true

	s.ResetForNewView(1)

	require.Equal(t, types.View(1), s.View)
	require.False(t, s.InViewChange)
	require.Empty(t, s.PrepareVotes)
	require.Empty(t, s.CommitVotes)
}

func TestCurrentLeaderRotatesWithView(t *testing.T) {
	s, _ := newTestState(t)
	require.Equal(t, types.NodeId(0), s.CurrentLeader())
	s.View = 1
	require.Equal(t, types.NodeId(1), s.CurrentLeader())
	s.View = 4
	require.Equal(t, types.NodeId(0), s.CurrentLeader())
}
