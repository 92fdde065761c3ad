package types

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/json"
)

// OptValue represents the optional 32-bit value carried by a client
// request: absent means "get", present means "set(key, value)". It is
// a plain comparable struct (not a pointer) so that the four identity
// fields of a ClientRequest compare and hash by value. ClientRequest
// itself also carries a Signature slice, so it is not comparable with
// == and cannot be a map key.
type OptValue struct {
	Set bool
	Val uint32
}

// None is the absent value, denoting a get.
var None = OptValue{}

// Some wraps v as a present value, denoting a set.
func Some(v uint32) OptValue { return OptValue{Set: true, Val: v} }

func (o OptValue) MarshalJSON() ([]byte, error) {
	if !o.Set {
		return []byte("null"), nil
	}
	return json.Marshal(o.Val)
}

func (o *OptValue) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = None
		return nil
	}
	var v uint32
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// ClientRequest is the unit of work the cluster agrees on ordering.
// Equality and hashing use all four fields, per spec. Signature is
// carried alongside but outside those four fields: it is the client's
// own proof of authorship (Testable Property 3, "every applied
// request was originally signed by a client"), not part of the
// request's identity.
type ClientRequest struct {
	RespondAddr string    `json:"respond_addr"`
	Timestamp   Timestamp `json:"timestamp"`
	Key         string    `json:"key"`
	Value       OptValue  `json:"value"`
	Signature   Signature `json:"signature,omitempty"`
}

// Prehash returns the domain-separated byte string a client signs
// when issuing this request: tag "ClientRequest" ‖ timestamp ‖ key ‖
// value?. respond_addr is deliberately excluded from the signed
// prehash since it names a transport endpoint, not request content.
func (r ClientRequest) Prehash() []byte {
	buf := []byte("ClientRequest")
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(r.Timestamp))
	buf = append(buf, tsBuf[:]...)
	buf = append(buf, []byte(r.Key)...)
	if r.Value.Set {
		buf = append(buf, 1)
		var vBuf [4]byte
		binary.BigEndian.PutUint32(vBuf[:], r.Value.Val)
		buf = append(buf, vBuf[:]...)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// NoOp is the placeholder request used to fill sequence-number gaps
// during a view change (key="", value=none).
func NoOp() ClientRequest {
	return ClientRequest{}
}

// IsNoOp reports whether r is the no-op placeholder.
func (r ClientRequest) IsNoOp() bool {
	return r.RespondAddr == "" && r.Key == "" && !r.Value.Set
}

// Digest computes SHA512(respond_addr ‖ timestamp ‖ key ‖ value?), the
// content hash carried alongside every PrePrepare.
func (r ClientRequest) Digest() Digest {
	h := sha512.New()
	h.Write([]byte(r.RespondAddr))
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(r.Timestamp))
	h.Write(tsBuf[:])
	h.Write([]byte(r.Key))
	if r.Value.Set {
		h.Write([]byte{1})
		var vBuf [4]byte
		binary.BigEndian.PutUint32(vBuf[:], r.Value.Val)
		h.Write(vBuf[:])
	} else {
		h.Write([]byte{0})
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}
