package wire

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"quorumchat.io/core/ids"
)

// Every wire type below implements msgpack.CustomEncoder/CustomDecoder so
// that it is laid out as a flat positional tuple rather than as a msgpack
// map keyed by field name.

func encodePair(enc *msgpack.Encoder, p ids.IdPair) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint32(uint32(p.Id)); err != nil {
		return err
	}
	return enc.EncodeUint32(p.Gen)
}

func decodePair(dec *msgpack.Decoder) (ids.IdPair, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return ids.IdPair{}, err
	}
	if n != 2 {
		return ids.IdPair{}, fmt.Errorf("wire: id pair: expected 2 elements, got %d", n)
	}
	id, err := dec.DecodeUint32()
	if err != nil {
		return ids.IdPair{}, err
	}
	gen, err := dec.DecodeUint32()
	if err != nil {
		return ids.IdPair{}, err
	}
	return ids.IdPair{Id: ids.PaxId(id), Gen: gen}, nil
}

// EncodeMsgpack implements msgpack.CustomEncoder for Value.
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(v.Kind)); err != nil {
		return err
	}
	if err := enc.EncodeUint32(uint32(v.ReqId.Id)); err != nil {
		return err
	}
	if err := enc.EncodeUint32(v.ReqId.Gen); err != nil {
		return err
	}
	return enc.EncodeUint32(v.Extra)
}

// DecodeMsgpack implements msgpack.CustomDecoder for Value.
func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 4 {
		return fmt.Errorf("wire: value: expected 4 elements, got %d", n)
	}
	kind, err := dec.DecodeInt()
	if err != nil {
		return err
	}
	reqIdId, err := dec.DecodeUint32()
	if err != nil {
		return err
	}
	reqIdGen, err := dec.DecodeUint32()
	if err != nil {
		return err
	}
	extra, err := dec.DecodeUint32()
	if err != nil {
		return err
	}
	v.Kind = DecreeKind(kind)
	v.ReqId = ids.IdPair{Id: ids.PaxId(reqIdId), Gen: reqIdGen}
	v.Extra = extra
	return nil
}

// EncodeMsgpack implements msgpack.CustomEncoder for Header.
func (h Header) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(5); err != nil {
		return err
	}
	if err := enc.EncodeUint64(uint64(h.Session)); err != nil {
		return err
	}
	if err := enc.EncodeUint32(uint32(h.Ballot.Id)); err != nil {
		return err
	}
	if err := enc.EncodeUint32(h.Ballot.Gen); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(h.Opcode)); err != nil {
		return err
	}
	return enc.EncodeUint32(h.Inum)
}

// DecodeMsgpack implements msgpack.CustomDecoder for Header.
func (h *Header) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 5 {
		return fmt.Errorf("wire: header: expected 5 elements, got %d", n)
	}
	session, err := dec.DecodeUint64()
	if err != nil {
		return err
	}
	ballotId, err := dec.DecodeUint32()
	if err != nil {
		return err
	}
	ballotGen, err := dec.DecodeUint32()
	if err != nil {
		return err
	}
	opcode, err := dec.DecodeInt()
	if err != nil {
		return err
	}
	inum, err := dec.DecodeUint32()
	if err != nil {
		return err
	}
	h.Session = ids.UuidT(session)
	h.Ballot = ids.IdPair{Id: ids.PaxId(ballotId), Gen: ballotGen}
	h.Opcode = Opcode(opcode)
	h.Inum = inum
	return nil
}

// EncodeMsgpack implements msgpack.CustomEncoder for Instance.
func (inst Instance) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.Encode(inst.Header); err != nil {
		return err
	}
	if err := enc.EncodeBool(inst.Committed); err != nil {
		return err
	}
	return enc.Encode(inst.Value)
}

// DecodeMsgpack implements msgpack.CustomDecoder for Instance.
func (inst *Instance) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 3 {
		return fmt.Errorf("wire: instance: expected 3 elements, got %d", n)
	}
	if err := dec.Decode(&inst.Header); err != nil {
		return err
	}
	committed, err := dec.DecodeBool()
	if err != nil {
		return err
	}
	inst.Committed = committed
	return dec.Decode(&inst.Value)
}

// EncodeMsgpack implements msgpack.CustomEncoder for Acceptor.
func (a Acceptor) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint32(uint32(a.PaxId)); err != nil {
		return err
	}
	return enc.EncodeBytes(a.Desc)
}

// DecodeMsgpack implements msgpack.CustomDecoder for Acceptor.
func (a *Acceptor) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("wire: acceptor: expected 2 elements, got %d", n)
	}
	paxId, err := dec.DecodeUint32()
	if err != nil {
		return err
	}
	desc, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	a.PaxId = ids.PaxId(paxId)
	a.Desc = desc
	return nil
}

// EncodeMsgpack implements msgpack.CustomEncoder for Request.
func (r Request) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.Encode(r.Value); err != nil {
		return err
	}
	return enc.EncodeBytes(r.Payload)
}

// DecodeMsgpack implements msgpack.CustomDecoder for Request.
func (r *Request) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("wire: request: expected 2 elements, got %d", n)
	}
	if err := dec.Decode(&r.Value); err != nil {
		return err
	}
	payload, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	r.Payload = payload
	return nil
}

// EncodeMsgpack implements msgpack.CustomEncoder for WelcomePayload.
func (w WelcomePayload) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint64(uint64(w.SessionId)); err != nil {
		return err
	}
	if err := enc.EncodeUint32(w.IBase); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(w.AList)); err != nil {
		return err
	}
	for _, a := range w.AList {
		if err := enc.Encode(a); err != nil {
			return err
		}
	}
	if err := enc.EncodeArrayLen(len(w.IList)); err != nil {
		return err
	}
	for _, inst := range w.IList {
		if err := enc.Encode(inst); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsgpack implements msgpack.CustomDecoder for WelcomePayload.
func (w *WelcomePayload) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 3 {
		return fmt.Errorf("wire: welcome: expected 3 elements, got %d", n)
	}
	hn, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if hn != 2 {
		return fmt.Errorf("wire: welcome head: expected 2 elements, got %d", hn)
	}
	session, err := dec.DecodeUint64()
	if err != nil {
		return err
	}
	ibase, err := dec.DecodeUint32()
	if err != nil {
		return err
	}
	alen, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	alist := make([]Acceptor, alen)
	for i := range alist {
		if err := dec.Decode(&alist[i]); err != nil {
			return err
		}
	}
	ilen, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	ilist := make([]Instance, ilen)
	for i := range ilist {
		if err := dec.Decode(&ilist[i]); err != nil {
			return err
		}
	}
	w.SessionId = ids.UuidT(session)
	w.IBase = ibase
	w.AList = alist
	w.IList = ilist
	return nil
}

// EncodeMsgpack implements msgpack.CustomEncoder for RetrievePayload.
func (r RetrievePayload) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint32(uint32(r.RequesterPaxId)); err != nil {
		return err
	}
	return enc.Encode(r.Value)
}

// DecodeMsgpack implements msgpack.CustomDecoder for RetrievePayload.
func (r *RetrievePayload) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("wire: retrieve: expected 2 elements, got %d", n)
	}
	paxId, err := dec.DecodeUint32()
	if err != nil {
		return err
	}
	r.RequesterPaxId = ids.PaxId(paxId)
	return dec.Decode(&r.Value)
}

// EncodeMsgpack implements msgpack.CustomEncoder for RefusePayload.
func (r RefusePayload) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.Encode(r.Offending); err != nil {
		return err
	}
	return encodePair(enc, r.Refused)
}

// DecodeMsgpack implements msgpack.CustomDecoder for RefusePayload.
func (r *RefusePayload) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("wire: refuse: expected 2 elements, got %d", n)
	}
	if err := dec.Decode(&r.Offending); err != nil {
		return err
	}
	refused, err := decodePair(dec)
	if err != nil {
		return err
	}
	r.Refused = refused
	return nil
}

// EncodeFrame serialises a header plus an optional payload as a 1- or
// 2-element array: [header] or [header, payload].
func EncodeFrame(hdr Header, payload interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if payload == nil {
		if err := enc.EncodeArrayLen(1); err != nil {
			return nil, err
		}
	} else {
		if err := enc.EncodeArrayLen(2); err != nil {
			return nil, err
		}
	}
	if err := enc.Encode(hdr); err != nil {
		return nil, err
	}
	if payload != nil {
		if err := enc.Encode(payload); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeHeader reads just the frame length and header from raw bytes,
// returning a decoder positioned to read the payload (if hasPayload is
// true) via DecodePayload. Dispatch picks the payload's concrete type
// from the opcode before any handler runs.
func DecodeHeader(raw []byte) (hdr Header, hasPayload bool, dec *msgpack.Decoder, err error) {
	dec = msgpack.NewDecoder(bytes.NewReader(raw))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return Header{}, false, nil, err
	}
	if n != 1 && n != 2 {
		return Header{}, false, nil, fmt.Errorf("wire: frame: expected 1 or 2 elements, got %d", n)
	}
	if err := dec.Decode(&hdr); err != nil {
		return Header{}, false, nil, err
	}
	return hdr, n == 2, dec, nil
}

// DecodePayload decodes the remaining frame element into dst, using the
// decoder returned by DecodeHeader. Callers pick dst's concrete type from
// hdr.Opcode.
func DecodePayload(dec *msgpack.Decoder, dst interface{}) error {
	return dec.Decode(dst)
}
