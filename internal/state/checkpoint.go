package state

import (
	"crypto/sha512"
	"encoding/binary"
	"sort"

	"github.com/sydli/pbftkv/internal/types"
)

// digestStore hashes a key-value store deterministically by sorting
// keys first, so that identical stores on different replicas always
// produce the identical digest regardless of Go's randomized map
// iteration order.
func digestStore(store map[string]uint32) types.Digest {
	keys := make([]string, 0, len(store))
	for k := range store {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha512.New()
	for _, k := range keys {
		h.Write([]byte(k))
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], store[k])
		h.Write(buf[:])
	}
	var out types.Digest
	copy(out[:], h.Sum(nil))
	return out
}

// BuildCheckpoint constructs (but does not sign) the Checkpoint this
// replica should broadcast for the current LastSeqNumCommitted.
func (s *State) BuildCheckpoint(id types.NodeId) types.Checkpoint {
	snapshot := make(map[string]uint32, len(s.Store))
	for k, v := range s.Store {
		snapshot[k] = v
	}
	return types.Checkpoint{
		Id:              id,
		CommittedSeqNum: s.LastSeqNumCommitted,
		View:            s.View,
		StateDigest:     s.StoreDigest(),
		StateSnapshot:   snapshot,
	}
}

// AddCheckpointVote tallies a signed Checkpoint by (committed_seq_num,
// state_digest). Returns the updated vote count and whether this vote
// is the one that first crosses the 2f+1 stability quorum.
func (s *State) AddCheckpointVote(cp types.Checkpoint) (count int, justStabilized bool) {
	key := checkpointKey{SeqNum: cp.CommittedSeqNum, Digest: cp.StateDigest}
	set, ok := s.checkpointVotes[key]
	if !ok {
		set = map[types.NodeId]types.Checkpoint{}
		s.checkpointVotes[key] = set
	}
	quorum := s.Config.QuorumPrepareCommit()
	wasBelow := len(set) < quorum
	set[cp.Id] = cp
	justStabilized = wasBelow && len(set) >= quorum
	if justStabilized {
		proof := make([]types.Checkpoint, 0, len(set))
		for _, v := range set {
			proof = append(proof, v)
		}
		s.pendingProof = proof
	}
	return len(set), justStabilized
}

// Stabilize records cp as the latest stable checkpoint (strictly
// increasing per Testable Property 7), truncates the log and accepted
// pre-prepares at or below cp.CommittedSeqNum (invariant I6), and
// drops vote tallies and checkpoint-vote tallies at or below that
// sequence number.
func (s *State) Stabilize(cp types.Checkpoint) {
	if s.LastStable != nil && cp.CommittedSeqNum <= s.LastStable.SeqNum {
		return
	}
	snapshot := make(map[string]uint32, len(cp.StateSnapshot))
	for k, v := range cp.StateSnapshot {
		snapshot[k] = v
	}
	s.LastStable = &StableCheckpoint{
		SeqNum: cp.CommittedSeqNum,
		View:   cp.View,
		Digest: cp.StateDigest,
		Store:  snapshot,
		Proof:  s.pendingProof,
	}
	s.pendingProof = nil

	s.Bank.TruncateUpTo(cp.CommittedSeqNum)

	for slot := range s.PrepareVotes {
		if slot.SeqNum <= cp.CommittedSeqNum {
			delete(s.PrepareVotes, slot)
		}
	}
	for slot := range s.CommitVotes {
		if slot.SeqNum <= cp.CommittedSeqNum {
			delete(s.CommitVotes, slot)
		}
	}
	for key := range s.checkpointVotes {
		if key.SeqNum <= cp.CommittedSeqNum {
			delete(s.checkpointVotes, key)
		}
	}

	log.Infof("checkpoint stabilized at seq_num=%d digest=%s", cp.CommittedSeqNum, cp.StateDigest)
}
