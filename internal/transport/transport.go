// Package transport implements the wire layer named in spec.md §6: a
// raw newline-delimited-JSON link over TCP between replicas, with
// lazy per-peer reconnection on send and a single listener accepting
// inbound connections. It is the only part of the system that touches
// sockets; the consensus engine only ever sees commands.ConsensusCommand
// and emits commands.NodeCommand.
package transport

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"

	"github.com/coreos/pkg/capnslog"

	"github.com/sydli/pbftkv/internal/commands"
	"github.com/sydli/pbftkv/internal/config"
	"github.com/sydli/pbftkv/internal/types"
)

var log = capnslog.NewPackageLogger("github.com/sydli/pbftkv", "transport")

// Transport owns the listener and the outbound connection pool. Sends
// are fire-and-forget (spec.md §5): a failed send drops the
// connection from the pool so the next send redials.
type Transport struct {
	cfg *config.Config

	mu    sync.Mutex
	conns map[string]net.Conn

	onMessage func(types.Message)
}

// New builds a Transport that delivers every inbound message to
// onMessage (ordinarily commands.OfProcessMessage wrapped onto the
// consensus engine's Enqueue).
func New(cfg *config.Config, onMessage func(types.Message)) *Transport {
	return &Transport{
		cfg:       cfg,
		conns:     map[string]net.Conn{},
		onMessage: onMessage,
	}
}

// ListenAndServe binds to this replica's configured address and
// accepts connections until the listener is closed. Each accepted
// connection is served on its own goroutine, preserving FIFO order
// per connection (spec.md §5) while allowing independent progress
// across peers.
func (t *Transport) ListenAndServe() error {
	addr, ok := t.cfg.PeerAddrs[t.cfg.Self]
	if !ok {
		return errNoSelfAddr
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Infof("listening on %s", addr)
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go t.serve(conn)
	}
}

func (t *Transport) serve(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var m types.Message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			log.Debugf("discarding malformed message from %s: %v", conn.RemoteAddr(), err)
			continue
		}
		t.onMessage(m)
	}
}

// Drain consumes NodeCommands from out until it is closed, carrying
// out each Send/BroadCast via Dispatch. Intended to run on its own
// goroutine as the consumer side of the engine's outbound channel.
func (t *Transport) Drain(out <-chan commands.NodeCommand) {
	for nc := range out {
		t.Dispatch(nc)
	}
}

// Dispatch carries out a single NodeCommand.
func (t *Transport) Dispatch(nc commands.NodeCommand) {
	switch {
	case nc.SendMessage != nil:
		t.Send(nc.SendMessage.Destination, nc.SendMessage.Message)
	case nc.BroadCastMessage != nil:
		t.Broadcast(nc.BroadCastMessage.Message)
	}
}

// Broadcast sends m to every configured peer other than self.
func (t *Transport) Broadcast(m types.Message) {
	for id, addr := range t.cfg.PeerAddrs {
		if id == t.cfg.Self {
			continue
		}
		t.Send(addr, m)
	}
}

// Send delivers m to addr, lazily dialing (or redialing, if the
// cached connection has failed) as needed. Fire-and-forget: a failure
// is logged and the connection evicted for the next send to retry
// (spec.md §5).
func (t *Transport) Send(addr string, m types.Message) {
	if addr == "" {
		return
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		log.Errorf("marshal message for %s: %v", addr, err)
		return
	}
	encoded = append(encoded, '\n')

	conn, err := t.connFor(addr)
	if err != nil {
		log.Debugf("dial %s: %v", addr, err)
		return
	}
	if _, err := conn.Write(encoded); err != nil {
		log.Debugf("write to %s failed, evicting connection: %v", addr, err)
		t.evict(addr)
	}
}

func (t *Transport) connFor(addr string) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[addr]; ok {
		return conn, nil
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	t.conns[addr] = conn
	return conn, nil
}

func (t *Transport) evict(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[addr]; ok {
		conn.Close()
		delete(t.conns, addr)
	}
}

type transportError string

func (e transportError) Error() string { return string(e) }

const errNoSelfAddr = transportError("no peer_addrs entry for self")
