package types

import "encoding/binary"

// Signature is a detached Ed25519 signature (64 bytes) over a
// message's domain-separated prehash.
type Signature []byte

func putUint64(b *[]byte, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	*b = append(*b, buf[:]...)
}

// PrePrepare is created by the primary and is the only message
// carrying the full client request; later phase messages carry only
// the digest.
type PrePrepare struct {
	Id                  NodeId        `json:"id"`
	View                View          `json:"view"`
	SeqNum              SeqNum        `json:"seq_num"`
	ClientRequestDigest Digest        `json:"client_request_digest"`
	ClientRequest       ClientRequest `json:"client_request"`
	Signature           Signature     `json:"signature,omitempty"`
}

// Prehash returns the domain-separated byte string covered by the
// signature: tag "PrePrepare" ‖ id ‖ view ‖ seq_num ‖ digest.
func (m PrePrepare) Prehash() []byte {
	buf := []byte("PrePrepare")
	putUint64(&buf, uint64(m.Id))
	putUint64(&buf, uint64(m.View))
	putUint64(&buf, uint64(m.SeqNum))
	buf = append(buf, m.ClientRequestDigest[:]...)
	return buf
}

func (m PrePrepare) Slot() SlotId { return SlotId{View: m.View, SeqNum: m.SeqNum} }

// Prepare carries only the digest of the request it prepares.
type Prepare struct {
	Id        NodeId    `json:"id"`
	View      View      `json:"view"`
	SeqNum    SeqNum    `json:"seq_num"`
	Digest    Digest    `json:"client_request_digest"`
	Signature Signature `json:"signature,omitempty"`
}

func (m Prepare) Prehash() []byte {
	buf := []byte("Prepare")
	putUint64(&buf, uint64(m.Id))
	putUint64(&buf, uint64(m.View))
	putUint64(&buf, uint64(m.SeqNum))
	buf = append(buf, m.Digest[:]...)
	return buf
}

func (m Prepare) Slot() SlotId { return SlotId{View: m.View, SeqNum: m.SeqNum} }

// CorrespondsTo reports whether p prepares the same (view, seq,
// digest) binding as pp's pre-prepare.
func (m Prepare) CorrespondsTo(pp PrePrepare) bool {
	return m.View == pp.View && m.SeqNum == pp.SeqNum && m.Digest == pp.ClientRequestDigest
}

// Commit has the same shape as Prepare but a distinct signed tag.
type Commit struct {
	Id        NodeId    `json:"id"`
	View      View      `json:"view"`
	SeqNum    SeqNum    `json:"seq_num"`
	Digest    Digest    `json:"client_request_digest"`
	Signature Signature `json:"signature,omitempty"`
}

func (m Commit) Prehash() []byte {
	buf := []byte("Commit")
	putUint64(&buf, uint64(m.Id))
	putUint64(&buf, uint64(m.View))
	putUint64(&buf, uint64(m.SeqNum))
	buf = append(buf, m.Digest[:]...)
	return buf
}

func (m Commit) Slot() SlotId { return SlotId{View: m.View, SeqNum: m.SeqNum} }

// CorrespondsTo reports whether c commits the same (view, seq,
// digest) binding that p prepared.
func (m Commit) CorrespondsTo(p Prepare) bool {
	return m.View == p.View && m.SeqNum == p.SeqNum && m.Digest == p.Digest
}

// Checkpoint snapshots the applied store at a sequence number that is
// a multiple of checkpoint_frequency.
type Checkpoint struct {
	Id              NodeId            `json:"id"`
	CommittedSeqNum SeqNum            `json:"committed_seq_num"`
	View            View              `json:"view"`
	StateDigest     Digest            `json:"state_digest"`
	StateSnapshot   map[string]uint32 `json:"state_snapshot"`
	Signature       Signature         `json:"signature,omitempty"`
}

func (m Checkpoint) Prehash() []byte {
	buf := []byte("Checkpoint")
	putUint64(&buf, uint64(m.Id))
	putUint64(&buf, uint64(m.CommittedSeqNum))
	putUint64(&buf, uint64(m.View))
	buf = append(buf, m.StateDigest[:]...)
	return buf
}

// PreparedProof bundles a slot's accepted PrePrepare with the >=2f
// matching Prepares that made it "prepared", for inclusion in a
// ViewChange's subsequent_prepares.
type PreparedProof struct {
	PrePrepare PrePrepare `json:"pre_prepare"`
	Prepares   []Prepare  `json:"prepares"`
}

// ViewChange is broadcast by a replica initiating a view change; it
// carries proof of the latest stable checkpoint plus, for every slot
// past that checkpoint that reached "prepared" locally, a
// PreparedProof.
type ViewChange struct {
	Id                 NodeId                   `json:"id"`
	NewView            View                     `json:"new_view"`
	LastStableSeqNum   SeqNum                   `json:"last_stable_seq_num"`
	CheckpointProof    []Checkpoint             `json:"checkpoint_proof"`
	SubsequentPrepares map[SeqNum]PreparedProof `json:"subsequent_prepares"`
	Signature          Signature                `json:"signature,omitempty"`
}

func (m ViewChange) Prehash() []byte {
	buf := []byte("ViewChange")
	putUint64(&buf, uint64(m.Id))
	putUint64(&buf, uint64(m.NewView))
	putUint64(&buf, uint64(m.LastStableSeqNum))
	for _, s := range sortedSeqNums(m.SubsequentPrepares) {
		putUint64(&buf, uint64(s))
		d := m.SubsequentPrepares[s].PrePrepare.ClientRequestDigest
		buf = append(buf, d[:]...)
	}
	return buf
}

func sortedSeqNums(m map[SeqNum]PreparedProof) []SeqNum {
	out := make([]SeqNum, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// NewView is multicast by the primary of new_view once it collects
// 2f+1 ViewChange messages. Its validity follows implicitly from the
// enclosed, independently-signed ViewChange and PrePrepare messages
// (spec.md §3), so it carries no separate domain-tagged signature of
// its own beyond sender identity.
type NewView struct {
	Id                     NodeId                `json:"id"`
	View                   View                  `json:"view"`
	ViewChangeMessages     []ViewChange          `json:"view_change_messages"`
	OutstandingPrePrepares map[SeqNum]PrePrepare `json:"outstanding_pre_prepares"`
	Signature              Signature             `json:"signature,omitempty"`
}

// ClientResponse is the only message a replica ever sends to a
// client. Per spec.md §9's open question, implementations should sign
// over a "ClientResponse" tag (the source's "ViewChange" tag on this
// message was a copy-paste bug, not replicated here).
type ClientResponse struct {
	Id        NodeId    `json:"id"`
	Timestamp Timestamp `json:"timestamp"`
	Key       string    `json:"key"`
	Value     OptValue  `json:"value"`
	Success   bool      `json:"success"`
	Signature Signature `json:"signature,omitempty"`
}

func (m ClientResponse) Prehash() []byte {
	buf := []byte("ClientResponse")
	putUint64(&buf, uint64(m.Id))
	putUint64(&buf, uint64(m.Timestamp))
	buf = append(buf, []byte(m.Key)...)
	if m.Value.Set {
		buf = append(buf, 1)
		putUint64(&buf, uint64(m.Value.Val))
	} else {
		buf = append(buf, 0)
	}
	if m.Success {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// Message is the tagged union of wire messages exchanged between
// replicas (and, for ClientRequest/ClientResponse, between a replica
// and a client). Exactly one field is non-nil.
type Message struct {
	PrePrepare     *PrePrepare     `json:"pre_prepare,omitempty"`
	Prepare        *Prepare        `json:"prepare,omitempty"`
	Commit         *Commit         `json:"commit,omitempty"`
	Checkpoint     *Checkpoint     `json:"checkpoint,omitempty"`
	ViewChange     *ViewChange     `json:"view_change,omitempty"`
	NewView        *NewView        `json:"new_view,omitempty"`
	ClientRequest  *ClientRequest  `json:"client_request,omitempty"`
	ClientResponse *ClientResponse `json:"client_response,omitempty"`
}
