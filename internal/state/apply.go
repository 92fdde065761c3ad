package state

import (
	"github.com/sydli/pbftkv/internal/types"
)

// ApplyCommit implements apply_commit (spec.md §4.2). If commit is not
// the immediate successor of the last applied seq_num, it is parked
// (invariant I5) and nil is returned. Otherwise the request's
// operation is applied to the store, the commit is recorded, and any
// now-contiguous parked commits are drained and applied too. Returns
// one unsigned ClientResponse per request applied, in execution
// order; the caller (the consensus engine) is responsible for signing
// and sending each one.
func (s *State) ApplyCommit(request types.ClientRequest, commit types.Commit) []types.ClientResponse {
	if commit.SeqNum != s.LastSeqNumCommitted+1 {
		s.Bank.ParkAppliedCommit(commit, request)
		return nil
	}

	var responses []types.ClientResponse
	responses = append(responses, s.applyOne(request, commit))

	for {
		pending, ok := s.Bank.TakeReadyCommit(s.LastSeqNumCommitted + 1)
		if !ok {
			break
		}
		responses = append(responses, s.applyOne(pending.Request, pending.Commit))
	}
	return responses
}

// applyOne executes a single, already-contiguous request and advances
// LastSeqNumCommitted by one.
func (s *State) applyOne(request types.ClientRequest, commit types.Commit) types.ClientResponse {
	var observed types.OptValue
	if request.Value.Set {
		s.Store[request.Key] = request.Value.Val
		observed = request.Value
	} else {
		if v, ok := s.Store[request.Key]; ok {
			observed = types.Some(v)
		} else {
			observed = types.None
		}
	}

	s.LastSeqNumCommitted++

	response := types.ClientResponse{
		Timestamp: request.Timestamp,
		Key:       request.Key,
		Value:     observed,
		Success:   true,
	}
	s.Bank.RecordApplied(commit.SeqNum, commit, request, response)

	log.Infof("applied seq_num=%d key=%q", commit.SeqNum, request.Key)

	return response
}

// FindAppliedResponse looks for a previously-applied request matching
// req by (respond_addr, timestamp), for idempotent retry handling
// (Testable Property 5): replaying an already-applied request must
// not mutate the store, and the original response is re-sent verbatim,
// not recomputed against whatever the store holds now.
func (s *State) FindAppliedResponse(req types.ClientRequest) (types.ClientResponse, bool) {
	for _, rec := range s.Bank.AppliedCommits {
		if rec.Request.RespondAddr == req.RespondAddr && rec.Request.Timestamp == req.Timestamp {
			return rec.Response, true
		}
	}
	return types.ClientResponse{}, false
}

// MaybeCheckpoint reports whether LastSeqNumCommitted is a positive
// multiple of checkpoint_frequency, i.e. whether this ApplyCommit
// should trigger a Checkpoint broadcast.
func (s *State) MaybeCheckpoint() bool {
	return s.LastSeqNumCommitted > 0 && s.LastSeqNumCommitted%types.SeqNum(s.Config.CheckpointFrequency) == 0
}

// StoreDigest hashes the current store deterministically, for
// Checkpoint.StateDigest.
func (s *State) StoreDigest() types.Digest {
	return digestStore(s.Store)
}
