package consensus

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sydli/pbftkv/internal/clock"
	"github.com/sydli/pbftkv/internal/commands"
	"github.com/sydli/pbftkv/internal/config"
	"github.com/sydli/pbftkv/internal/signing"
	"github.com/sydli/pbftkv/internal/types"
)

// testCluster wires n in-process Engines together without any real
// network: each engine's outbound NodeCommands are routed directly
// onto the addressed engine's inbound queue (or, for the synthetic
// client address, onto responses) by one router goroutine per engine.
// This exercises the same command semantics a real transport would,
// minus sockets.
type testCluster struct {
	engines   map[types.NodeId]*Engine
	addrOf    map[types.NodeId]string
	idOf      map[string]types.NodeId
	clock     *clock.Fake
	responses chan types.Message
	cancel    context.CancelFunc

	mu       sync.Mutex
	silenced map[types.NodeId]bool
}

const clientAddr = "client"

func newTestCluster(t *testing.T, numNodes, numFaulty int, checkpointFrequency uint64) *testCluster {
	t.Helper()

	addrOf := map[types.NodeId]string{}
	idOf := map[string]types.NodeId{}
	peerAddrs := map[types.NodeId]string{}
	for i := 0; i < numNodes; i++ {
		id := types.NodeId(i)
		addr := fmt.Sprintf("node:%d", i)
		addrOf[id] = addr
		idOf[addr] = id
		peerAddrs[id] = addr
	}

	verifier := signing.NewEd25519Verifier()
	pubKeys := map[types.NodeId]ed25519.PublicKey{}
	signers := map[types.NodeId]signing.Signer{}
	for i := 0; i < numNodes; i++ {
		id := types.NodeId(i)
		pub, priv, err := signing.GenerateKeypair()
		require.NoError(t, err)
		pubKeys[id] = pub
		signers[id] = signing.NewEd25519Signer(priv)
	}

	fc := clock.NewFake(time.Unix(0, 0))
	cluster := &testCluster{
		engines:   map[types.NodeId]*Engine{},
		addrOf:    addrOf,
		idOf:      idOf,
		clock:     fc,
		responses: make(chan types.Message, 64),
		silenced:  map[types.NodeId]bool{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cluster.cancel = cancel

	for i := 0; i < numNodes; i++ {
		id := types.NodeId(i)
		cfg := &config.Config{
			Self:                  id,
			NumNodes:              numNodes,
			NumFaulty:             numFaulty,
			PeerAddrs:             peerAddrs,
			PublicKeys:            pubKeys,
			CheckpointFrequency:   checkpointFrequency,
			ViewChangeTimeoutBase: time.Second,
		}
		e := New(cfg, signers[id], verifier, fc, 256)
		cluster.engines[id] = e
		go e.Run(ctx)
		go cluster.route(id, e)
	}

	t.Cleanup(cancel)
	return cluster
}

// silence drops every message self sends from here on, modeling a
// Byzantine-silent primary (spec.md §8, E4: "drop all messages from
// replica 0").
func (c *testCluster) silence(self types.NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silenced[self] = true
}

func (c *testCluster) isSilenced(self types.NodeId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.silenced[self]
}

// route mirrors internal/transport's self-skipping broadcast (a
// replica never re-delivers its own broadcast to itself over the
// wire; it folds its own vote in directly, in the same handler that
// emits the broadcast).
func (c *testCluster) route(self types.NodeId, e *Engine) {
	for nc := range e.Outbound() {
		if c.isSilenced(self) {
			continue
		}
		switch {
		case nc.SendMessage != nil:
			c.deliver(nc.SendMessage.Destination, nc.SendMessage.Message)
		case nc.BroadCastMessage != nil:
			for id, addr := range c.addrOf {
				if id == self {
					continue
				}
				c.deliver(addr, nc.BroadCastMessage.Message)
			}
		}
	}
}

func (c *testCluster) deliver(addr string, m types.Message) {
	if addr == clientAddr {
		c.responses <- m
		return
	}
	id, ok := c.idOf[addr]
	if !ok {
		return
	}
	c.engines[id].Enqueue(commands.OfProcessMessage(m))
}

// leader returns whichever node currently believes itself to be
// primary; every correct replica agrees since current_leader() is a
// pure function of view.
func (c *testCluster) leader() types.NodeId {
	for id, e := range c.engines {
		if e.state.CurrentLeader() == id {
			return id
		}
	}
	return 0
}

func (c *testCluster) sendClientRequest(r types.ClientRequest) {
	r.RespondAddr = clientAddr
	leader := c.leader()
	c.engines[leader].Enqueue(commands.OfProcessMessage(types.Message{ClientRequest: &r}))
}

func (c *testCluster) awaitResponse(t *testing.T, timeout time.Duration) types.ClientResponse {
	t.Helper()
	select {
	case m := <-c.responses:
		require.NotNil(t, m.ClientResponse)
		return *m.ClientResponse
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a client response")
		return types.ClientResponse{}
	}
}

func TestHappyPathSetCommitsAcrossCluster(t *testing.T) {
	c := newTestCluster(t, 4, 1, 10)

	c.sendClientRequest(types.ClientRequest{Timestamp: 1, Key: "x", Value: types.Some(42)})
	resp := c.awaitResponse(t, 2*time.Second)
	require.True(t, resp.Success)
	require.Equal(t, types.Some(uint32(42)), resp.Value)

	for _, e := range c.engines {
		require.Equal(t, types.SeqNum(1), e.state.LastSeqNumCommitted)
		require.Equal(t, uint32(42), e.state.Store["x"])
	}
}

func TestGetAfterSetReturnsWrittenValue(t *testing.T) {
	c := newTestCluster(t, 4, 1, 10)

	c.sendClientRequest(types.ClientRequest{Timestamp: 1, Key: "x", Value: types.Some(7)})
	c.awaitResponse(t, 2*time.Second)

	c.sendClientRequest(types.ClientRequest{Timestamp: 2, Key: "x"})
	resp := c.awaitResponse(t, 2*time.Second)
	require.Equal(t, types.Some(uint32(7)), resp.Value)
}

func TestRetriedRequestIsAnsweredIdempotently(t *testing.T) {
	c := newTestCluster(t, 4, 1, 10)

	req := types.ClientRequest{Timestamp: 1, Key: "x", Value: types.Some(3)}
	c.sendClientRequest(req)
	first := c.awaitResponse(t, 2*time.Second)

	// Replay the identical request (same respond_addr+timestamp): must
	// re-answer without bumping the committed sequence number.
	c.sendClientRequest(req)
	second := c.awaitResponse(t, 2*time.Second)

	require.Equal(t, first.Value, second.Value)
	leader := c.engines[c.leader()]
	require.Equal(t, types.SeqNum(1), leader.state.LastSeqNumCommitted)
}

func TestCheckpointStabilizesAtFrequencyBoundary(t *testing.T) {
	c := newTestCluster(t, 4, 1, 3)

	for i := 1; i <= 3; i++ {
		c.sendClientRequest(types.ClientRequest{Timestamp: types.Timestamp(i), Key: fmt.Sprintf("k%d", i), Value: types.Some(uint32(i))})
		c.awaitResponse(t, 2*time.Second)
	}

	require.Eventually(t, func() bool {
		for _, e := range c.engines {
			if e.state.LastStable == nil || e.state.LastStable.SeqNum != 3 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "every replica should stabilize a checkpoint at seq_num=3")
}

// TestViewChangeRecoversRequestStrandedBySilentPrimary is spec.md §8's
// E4: the primary goes silent before ever issuing a PrePrepare for a
// request, so the request has no prepared proof for a view change to
// carry forward. The new primary must still pick it up and commit it,
// not strand it.
func TestViewChangeRecoversRequestStrandedBySilentPrimary(t *testing.T) {
	c := newTestCluster(t, 4, 1, 10)

	oldLeader := c.leader()
	c.silence(oldLeader)

	// The client's request reaches every correct replica (a client
	// that hears nothing back will reasonably retry against more than
	// one replica); each of them forwards it to the now-silent primary
	// and arms its own view-change wait timer.
	req := types.ClientRequest{RespondAddr: clientAddr, Timestamp: 1, Key: "x", Value: types.Some(9)}
	for id, e := range c.engines {
		if id == oldLeader {
			continue
		}
		e.Enqueue(commands.OfProcessMessage(types.Message{ClientRequest: &req}))
	}

	// Advance past the wait timeout so the three correct replicas each
	// escalate to a view change.
	c.clock.Advance(2 * time.Second)

	resp := c.awaitResponse(t, 2*time.Second)
	require.True(t, resp.Success)
	require.Equal(t, types.Some(uint32(9)), resp.Value)

	newLeader := c.leader()
	require.NotEqual(t, oldLeader, newLeader, "the cluster must have moved to a new view to make progress")
}
