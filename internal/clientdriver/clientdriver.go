// Package clientdriver implements the client-facing surface named in
// spec.md §6 and supplemented from original_source/src/node.rs's
// minimal connect/send/await-replies pattern: it signs outgoing
// ClientRequests, listens for ClientResponses on its own respond_addr,
// and accepts once f+1 distinct replicas answer with a matching
// response.
package clientdriver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coreos/pkg/capnslog"

	"github.com/sydli/pbftkv/internal/signing"
	"github.com/sydli/pbftkv/internal/types"
)

var log = capnslog.NewPackageLogger("github.com/sydli/pbftkv", "clientdriver")

// Driver issues requests against a replica cluster and aggregates
// responses. It is not part of the consensus core: it exists so the
// end-to-end scenarios in spec.md §8 can be driven and observed.
type Driver struct {
	respondAddr string
	signer      signing.Signer
	fPlusOne    int
	timestamp   types.Timestamp

	mu        sync.Mutex
	responses map[responseKey]map[types.NodeId]types.ClientResponse
	waiters   map[responseKey]chan types.ClientResponse

	listener net.Listener
}

type responseKey struct {
	Timestamp types.Timestamp
}

// New starts listening on listenAddr for ClientResponses and returns
// a Driver that signs requests with signer. numFaulty is the
// cluster's f, used to compute the f+1 matching-response threshold.
func New(listenAddr string, signer signing.Signer, numFaulty int) (*Driver, error) {
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	d := &Driver{
		respondAddr: l.Addr().String(),
		signer:      signer,
		fPlusOne:    numFaulty + 1,
		responses:   map[responseKey]map[types.NodeId]types.ClientResponse{},
		waiters:     map[responseKey]chan types.ClientResponse{},
		listener:    l,
	}
	go d.serve()
	return d, nil
}

// RespondAddr is the address replicas should send ClientResponses to.
func (d *Driver) RespondAddr() string { return d.respondAddr }

func (d *Driver) serve() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		go d.handleConn(conn)
	}
}

func (d *Driver) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var m types.Message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			continue
		}
		if m.ClientResponse != nil {
			d.onResponse(*m.ClientResponse)
		}
	}
}

func (d *Driver) onResponse(resp types.ClientResponse) {
	key := responseKey{Timestamp: resp.Timestamp}

	d.mu.Lock()
	set, ok := d.responses[key]
	if !ok {
		set = map[types.NodeId]types.ClientResponse{}
		d.responses[key] = set
	}
	set[resp.Id] = resp

	matching := 0
	for _, r := range set {
		if r.Key == resp.Key && r.Value == resp.Value && r.Success == resp.Success {
			matching++
		}
	}
	var notify chan types.ClientResponse
	if matching >= d.fPlusOne {
		notify = d.waiters[key]
		delete(d.waiters, key)
	}
	d.mu.Unlock()

	if notify != nil {
		select {
		case notify <- resp:
		default:
		}
	}
}

// nextTimestamp returns a strictly increasing per-client counter, per
// spec.md §3's per-client monotonic timestamp requirement.
func (d *Driver) nextTimestamp() types.Timestamp {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timestamp++
	return d.timestamp
}

// Set sends a signed set(key, value) request to target and blocks
// until f+1 matching ClientResponses arrive or timeout elapses.
func (d *Driver) Set(target string, key string, value uint32, timeout time.Duration) (types.ClientResponse, error) {
	return d.request(target, key, types.Some(value), timeout)
}

// Get sends a signed get(key) request to target and blocks until f+1
// matching ClientResponses arrive or timeout elapses.
func (d *Driver) Get(target string, key string, timeout time.Duration) (types.ClientResponse, error) {
	return d.request(target, key, types.None, timeout)
}

func (d *Driver) request(target string, key string, value types.OptValue, timeout time.Duration) (types.ClientResponse, error) {
	req := types.ClientRequest{
		RespondAddr: d.respondAddr,
		Timestamp:   d.nextTimestamp(),
		Key:         key,
		Value:       value,
	}
	req.Signature = types.Signature(d.signer.Sign(req.Prehash()))

	key2 := responseKey{Timestamp: req.Timestamp}
	wait := make(chan types.ClientResponse, 1)
	d.mu.Lock()
	d.waiters[key2] = wait
	d.mu.Unlock()

	conn, err := net.Dial("tcp", target)
	if err != nil {
		return types.ClientResponse{}, fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	encoded, err := json.Marshal(types.Message{ClientRequest: &req})
	if err != nil {
		return types.ClientResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	encoded = append(encoded, '\n')
	if _, err := conn.Write(encoded); err != nil {
		return types.ClientResponse{}, fmt.Errorf("send request to %s: %w", target, err)
	}

	log.Infof("sent request ts=%d key=%q to %s, awaiting %d matching responses", req.Timestamp, key, target, d.fPlusOne)
	select {
	case resp := <-wait:
		return resp, nil
	case <-time.After(timeout):
		return types.ClientResponse{}, fmt.Errorf("timed out waiting for f+1 matching responses to ts=%d", req.Timestamp)
	}
}

// Close stops accepting new connections.
func (d *Driver) Close() error {
	return d.listener.Close()
}
