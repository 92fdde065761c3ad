package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sydli/pbftkv/internal/types"
)

func TestApplyCommitSetsThenGets(t *testing.T) {
	s, _ := newTestState(t)

	setReq := types.ClientRequest{RespondAddr: "c1", Timestamp: 1, Key: "x", Value: types.Some(7)}
	responses := s.ApplyCommit(setReq, types.Commit{SeqNum: 1})
	require.Len(t, responses, 1)
	require.True(t, responses[0].Success)
	require.Equal(t, types.Some(7), responses[0].Value)
	require.Equal(t, types.SeqNum(1), s.LastSeqNumCommitted)

	getReq := types.ClientRequest{RespondAddr: "c1", Timestamp: 2, Key: "x"}
	responses = s.ApplyCommit(getReq, types.Commit{SeqNum: 2})
	require.Len(t, responses, 1)
	require.Equal(t, types.Some(7), responses[0].Value)
}

func TestApplyCommitGetOnMissingKeyReturnsNone(t *testing.T) {
	s, _ := newTestState(t)
	req := types.ClientRequest{RespondAddr: "c1", Timestamp: 1, Key: "missing"}
	responses := s.ApplyCommit(req, types.Commit{SeqNum: 1})
	require.Len(t, responses, 1)
	require.Equal(t, types.None, responses[0].Value)
}

func TestApplyCommitParksOutOfOrderAndDrainsOnGapFill(t *testing.T) {
	s, _ := newTestState(t)

	reqTwo := types.ClientRequest{RespondAddr: "c1", Timestamp: 2, Key: "b", Value: types.Some(2)}
	responses := s.ApplyCommit(reqTwo, types.Commit{SeqNum: 2})
	require.Nil(t, responses, "commit for seq_num 2 must park until seq_num 1 applies")
	require.Equal(t, types.SeqNum(0), s.LastSeqNumCommitted)

	reqOne := types.ClientRequest{RespondAddr: "c1", Timestamp: 1, Key: "a", Value: types.Some(1)}
	responses = s.ApplyCommit(reqOne, types.Commit{SeqNum: 1})
	require.Len(t, responses, 2, "applying seq_num 1 should drain the parked seq_num 2 commit")
	require.Equal(t, "a", responses[0].Key)
	require.Equal(t, "b", responses[1].Key)
	require.Equal(t, types.SeqNum(2), s.LastSeqNumCommitted)
}

func TestFindAppliedResponseIsIdempotentAndDoesNotMutate(t *testing.T) {
	s, _ := newTestState(t)
	req := types.ClientRequest{RespondAddr: "c1", Timestamp: 1, Key: "x", Value: types.Some(5)}
	s.ApplyCommit(req, types.Commit{SeqNum: 1})
	require.Equal(t, uint32(5), s.Store["x"])

	resp, ok := s.FindAppliedResponse(req)
	require.True(t, ok)
	require.Equal(t, types.Some(5), resp.Value)
	require.Equal(t, uint32(5), s.Store["x"], "replaying an applied request must not mutate the store")
}

func TestFindAppliedResponseReplaysOriginalGetDespiteLaterSet(t *testing.T) {
	s, _ := newTestState(t)

	setReq := types.ClientRequest{RespondAddr: "c1", Timestamp: 1, Key: "x", Value: types.Some(1)}
	s.ApplyCommit(setReq, types.Commit{SeqNum: 1})

	getReq := types.ClientRequest{RespondAddr: "c1", Timestamp: 2, Key: "x"}
	responses := s.ApplyCommit(getReq, types.Commit{SeqNum: 2})
	require.Equal(t, types.Some(1), responses[0].Value)

	laterSetReq := types.ClientRequest{RespondAddr: "c1", Timestamp: 3, Key: "x", Value: types.Some(2)}
	s.ApplyCommit(laterSetReq, types.Commit{SeqNum: 3})
	require.Equal(t, uint32(2), s.Store["x"])

	resp, ok := s.FindAppliedResponse(getReq)
	require.True(t, ok)
	require.Equal(t, types.Some(1), resp.Value, "a retried get must re-send the response it originally produced, not the store's current value")
}

func TestFindAppliedResponseMissesUnknownRequest(t *testing.T) {
	s, _ := newTestState(t)
	_, ok := s.FindAppliedResponse(types.ClientRequest{RespondAddr: "c1", Timestamp: 99})
	require.False(t, ok)
}

func TestMaybeCheckpointFiresOnFrequencyBoundary(t *testing.T) {
	s, _ := newTestState(t)
	s.LastSeqNumCommitted = 9
	require.False(t, s.MaybeCheckpoint())
	s.LastSeqNumCommitted = 10
	require.True(t, s.MaybeCheckpoint())
}
