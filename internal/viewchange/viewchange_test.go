package viewchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sydli/pbftkv/internal/clock"
	"github.com/sydli/pbftkv/internal/commands"
	"github.com/sydli/pbftkv/internal/types"
)

func newTestChanger(t *testing.T) (*Changer, *clock.Fake, chan commands.ConsensusCommand) {
	t.Helper()
	fc := clock.NewFake(time.Unix(0, 0))
	out := make(chan commands.ConsensusCommand, 16)
	v := New(fc, time.Second, 64*time.Second, func(c commands.ConsensusCommand) { out <- c })
	return v, fc, out
}

func TestAddFiresInitViewChangeOnTimeout(t *testing.T) {
	v, fc, out := newTestChanger(t)
	req := types.ClientRequest{RespondAddr: "c1", Timestamp: 1}
	v.Add(req)

	fc.Advance(999 * time.Millisecond)
	require.Empty(t, out)

	fc.Advance(2 * time.Millisecond)
	cmd := <-out
	require.NotNil(t, cmd.InitViewChange)
	require.Equal(t, req, cmd.InitViewChange.Request)
}

func TestAddIsIdempotent(t *testing.T) {
	v, fc, out := newTestChanger(t)
	req := types.ClientRequest{RespondAddr: "c1", Timestamp: 1}
	v.Add(req)
	v.Add(req)

	fc.Advance(time.Second)
	require.Len(t, out, 1, "re-adding an already-waited request must not start a second timer")
}

func TestRemoveCancelsPendingTimeout(t *testing.T) {
	v, fc, out := newTestChanger(t)
	req := types.ClientRequest{RespondAddr: "c1", Timestamp: 1}
	v.Add(req)
	v.Remove(req)

	fc.Advance(10 * time.Second)
	require.Empty(t, out)
}

func TestTimeoutBackoffDoublesPerFailedView(t *testing.T) {
	v, fc, out := newTestChanger(t)

	reqA := types.ClientRequest{RespondAddr: "c1", Timestamp: 1}
	v.Add(reqA)
	fc.Advance(time.Second)
	<-out // first timeout: failedViews becomes 1

	reqB := types.ClientRequest{RespondAddr: "c1", Timestamp: 2}
	v.Add(reqB)
	fc.Advance(time.Second)
	require.Empty(t, out, "second attempt should back off to 2s, not fire at 1s")
	fc.Advance(time.Second)
	<-out // fires once total elapsed reaches 2s
}

func TestDrainReturnsWaitingRequestsAndStopsTheirTimers(t *testing.T) {
	v, fc, out := newTestChanger(t)
	reqA := types.ClientRequest{RespondAddr: "c1", Timestamp: 1}
	reqB := types.ClientRequest{RespondAddr: "c2", Timestamp: 1}
	v.Add(reqA)
	v.Add(reqB)

	drained := v.Drain()
	require.ElementsMatch(t, []types.ClientRequest{reqA, reqB}, drained)

	fc.Advance(10 * time.Second)
	require.Empty(t, out, "a drained request's timer must not still fire")
}

func TestDrainEmptiesTheWaitSet(t *testing.T) {
	v, _, _ := newTestChanger(t)
	req := types.ClientRequest{RespondAddr: "c1", Timestamp: 1}
	v.Add(req)
	v.Drain()
	require.Empty(t, v.Drain(), "a second drain must find nothing left")
}

func TestNoteViewEnteredResetsBackoff(t *testing.T) {
	v, fc, out := newTestChanger(t)

	reqA := types.ClientRequest{RespondAddr: "c1", Timestamp: 1}
	v.Add(reqA)
	fc.Advance(time.Second)
	<-out

	v.NoteViewEntered()

	reqB := types.ClientRequest{RespondAddr: "c1", Timestamp: 2}
	v.Add(reqB)
	fc.Advance(time.Second)
	cmd := <-out
	require.Equal(t, reqB, cmd.InitViewChange.Request)
}
