package state

import (
	"github.com/sydli/pbftkv/internal/types"
)

// AddViewChangeVote records id's latest ViewChange for new_view=vc.NewView
// and reports whether this vote is the one that first crosses the
// 2f+1 quorum required to issue a NewView (spec.md §4.3,
// AcceptViewChange). When it crosses, the full vote set for that view
// is returned for NewView assembly.
func (s *State) AddViewChangeVote(vc types.ViewChange) (votes []types.ViewChange, justStabilized bool) {
	set, ok := s.viewChangeVotes[vc.NewView]
	if !ok {
		set = map[types.NodeId]types.ViewChange{}
		s.viewChangeVotes[vc.NewView] = set
	}
	quorum := s.Config.QuorumViewChange()
	wasBelow := len(set) < quorum
	set[vc.Id] = vc
	justStabilized = wasBelow && len(set) >= quorum

	out := make([]types.ViewChange, 0, len(set))
	for _, v := range set {
		out = append(out, v)
	}
	return out, justStabilized
}

// ClearViewChangeVotes drops the accumulated ViewChange votes for
// view once it has been entered, so a later view change starts clean.
func (s *State) ClearViewChangeVotes(view types.View) {
	delete(s.viewChangeVotes, view)
}
