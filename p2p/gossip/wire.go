package gossip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// wire protocol constants, mirroring the header/length-prefix/checksum
// framing used elsewhere in this tree's protocol package: a fixed header
// followed by a length-prefixed, checksummed payload.
const (
	wireVersion       uint8 = 1
	maxEnvelopePayload       = 16 * 1024 * 1024
)

// Codec turns the embedder's opaque Id and Item into bytes and back. The
// engine itself never needs this — Transport implementations do, to put an
// Envelope on the wire. Kept separate from Envelope so embedders that never
// serialize (e.g. an in-process test transport) don't have to implement it.
type Codec[Id comparable, Item any] interface {
	EncodeID(id Id) ([]byte, error)
	DecodeID(data []byte) (Id, error)
	EncodeItem(item Item) ([]byte, error)
	DecodeItem(data []byte) (Item, error)
}

// wireHeader precedes every framed envelope on the wire.
type wireHeader struct {
	Version    uint8
	Type       MessageType
	Flags      uint8
	PayloadLen uint32
	Checksum   uint32
}

// EncodeEnvelope serializes msg into a self-framed, checksummed byte slice
// using codec for the Id/Item payload fields.
func EncodeEnvelope[Id comparable, Item any](codec Codec[Id, Item], msg Envelope[Id, Item]) ([]byte, error) {
	payload, err := marshalPayload(codec, msg)
	if err != nil {
		return nil, fmt.Errorf("gossip: marshal payload: %w", err)
	}
	if len(payload) > maxEnvelopePayload {
		return nil, fmt.Errorf("gossip: payload too large: %d > %d", len(payload), maxEnvelopePayload)
	}

	buf := new(bytes.Buffer)
	hdr := wireHeader{
		Version:    wireVersion,
		Type:       msg.Type(),
		PayloadLen: uint32(len(payload)),
		Checksum:   crc32.ChecksumIEEE(payload),
	}
	if err := writeHeader(buf, hdr); err != nil {
		return nil, err
	}
	if _, err := buf.Write(payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteEnvelope frames and writes msg directly to w.
func WriteEnvelope[Id comparable, Item any](w io.Writer, codec Codec[Id, Item], msg Envelope[Id, Item]) error {
	data, err := EncodeEnvelope(codec, msg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadEnvelope reads one framed envelope from r, validating its checksum.
func ReadEnvelope[Id comparable, Item any](r io.Reader, codec Codec[Id, Item]) (Envelope[Id, Item], error) {
	var zero Envelope[Id, Item]

	hdr, err := readHeader(r)
	if err != nil {
		return zero, err
	}
	if hdr.Version != wireVersion {
		return zero, fmt.Errorf("gossip: unsupported wire version: %d", hdr.Version)
	}
	if hdr.PayloadLen > maxEnvelopePayload {
		return zero, fmt.Errorf("gossip: payload too large: %d > %d", hdr.PayloadLen, maxEnvelopePayload)
	}

	payload := make([]byte, hdr.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return zero, err
	}
	if crc32.ChecksumIEEE(payload) != hdr.Checksum {
		return zero, errors.New("gossip: envelope checksum mismatch")
	}

	return unmarshalPayload(codec, hdr.Type, payload)
}

func writeHeader(w io.Writer, h wireHeader) error {
	for _, v := range []any{h.Version, h.Type, h.Flags, h.PayloadLen, h.Checksum} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func readHeader(r io.Reader) (wireHeader, error) {
	var h wireHeader
	if err := binary.Read(r, binary.BigEndian, &h.Version); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.BigEndian, &h.Type); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.BigEndian, &h.Flags); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.BigEndian, &h.PayloadLen); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.BigEndian, &h.Checksum); err != nil {
		return h, err
	}
	return h, nil
}

func writeBytes(buf *bytes.Buffer, b []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := buf.Write(b)
	return err
}

func readBytes(buf *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if int(n) > maxEnvelopePayload {
		return nil, errors.New("gossip: field too long")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(buf, b); err != nil {
		return nil, err
	}
	return b, nil
}

func marshalPayload[Id comparable, Item any](codec Codec[Id, Item], msg Envelope[Id, Item]) ([]byte, error) {
	buf := new(bytes.Buffer)
	switch msg.Type() {
	case MsgGossip:
		idb, err := codec.EncodeID(msg.GossipID())
		if err != nil {
			return nil, err
		}
		if err := writeBytes(buf, idb); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case MsgGossipResponse:
		idb, err := codec.EncodeID(msg.GossipResponseID())
		if err != nil {
			return nil, err
		}
		if err := writeBytes(buf, idb); err != nil {
			return nil, err
		}
		held := byte(0)
		if msg.IsAlreadyHeld() {
			held = 1
		}
		if err := buf.WriteByte(held); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case MsgGetRequest:
		idb, err := codec.EncodeID(msg.GetRequestID())
		if err != nil {
			return nil, err
		}
		if err := writeBytes(buf, idb); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case MsgGetResponse:
		itemb, err := codec.EncodeItem(msg.GetResponseItem())
		if err != nil {
			return nil, err
		}
		if err := writeBytes(buf, itemb); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("gossip: unknown message type %d", msg.Type())
	}
}

func unmarshalPayload[Id comparable, Item any](codec Codec[Id, Item], typ MessageType, payload []byte) (Envelope[Id, Item], error) {
	var zero Envelope[Id, Item]
	buf := bytes.NewReader(payload)

	switch typ {
	case MsgGossip:
		idb, err := readBytes(buf)
		if err != nil {
			return zero, err
		}
		id, err := codec.DecodeID(idb)
		if err != nil {
			return zero, err
		}
		return Gossip[Id, Item](id), nil
	case MsgGossipResponse:
		idb, err := readBytes(buf)
		if err != nil {
			return zero, err
		}
		id, err := codec.DecodeID(idb)
		if err != nil {
			return zero, err
		}
		held, err := buf.ReadByte()
		if err != nil {
			return zero, err
		}
		return GossipResponse[Id, Item](id, held == 1), nil
	case MsgGetRequest:
		idb, err := readBytes(buf)
		if err != nil {
			return zero, err
		}
		id, err := codec.DecodeID(idb)
		if err != nil {
			return zero, err
		}
		return GetRequest[Id, Item](id), nil
	case MsgGetResponse:
		itemb, err := readBytes(buf)
		if err != nil {
			return zero, err
		}
		item, err := codec.DecodeItem(itemb)
		if err != nil {
			return zero, err
		}
		return GetResponse[Id, Item](item), nil
	default:
		return zero, fmt.Errorf("gossip: unknown message type %d", typ)
	}
}
