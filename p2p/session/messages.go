// Package session implements the connection-bootstrap protocol a gossip
// node speaks before any Envelope traffic: a version/capability handshake
// and peer-list exchange, adapted from this tree's P2P protocol package
// (which bundled this alongside block/tx/consensus messages; only the
// node-bootstrap subset survives here, since this repo has no chain state
// to hash-pin a handshake to).
package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	CurrentProtocolVersion uint8 = 1

	maxMessageSize     = 1 * 1024 * 1024
	maxPeerAddressList = 1000
	maxCapabilities    = 64
)

// MessageType tags a session message on the wire.
type MessageType uint8

const (
	MsgTypeHandshake MessageType = iota + 1
	MsgTypeHandshakeAck
	MsgTypePeerRequest
	MsgTypePeerResponse
	MsgTypeError
)

func (mt MessageType) String() string {
	switch mt {
	case MsgTypeHandshake:
		return "Handshake"
	case MsgTypeHandshakeAck:
		return "HandshakeAck"
	case MsgTypePeerRequest:
		return "PeerRequest"
	case MsgTypePeerResponse:
		return "PeerResponse"
	case MsgTypeError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", mt)
	}
}

// Message is the common interface every session message satisfies.
type Message interface {
	Type() MessageType
	Validate() error
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// header precedes every marshaled message on the wire: version, type,
// payload length, and a CRC32 checksum, the same shape this tree used for
// its other two binary codecs (gossip.wireHeader, the teacher's original
// MessageHeader).
type header struct {
	Version    uint8
	Type       MessageType
	PayloadLen uint32
	Checksum   uint32
}

const headerSize = 1 + 1 + 4 + 4

// WriteMessage frames msg with a header and writes it to w.
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	if len(payload) > maxMessageSize {
		return fmt.Errorf("session: payload too large: %d bytes", len(payload))
	}

	h := header{
		Version:    CurrentProtocolVersion,
		Type:       msg.Type(),
		PayloadLen: uint32(len(payload)),
		Checksum:   crc32.ChecksumIEEE(payload),
	}

	buf := make([]byte, headerSize)
	buf[0] = h.Version
	buf[1] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[2:6], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[6:10], h.Checksum)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadMessage reads and validates one framed message from r, dispatching to
// the concrete type named by the header.
func ReadMessage(r io.Reader) (Message, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	h := header{
		Version:    buf[0],
		Type:       MessageType(buf[1]),
		PayloadLen: binary.BigEndian.Uint32(buf[2:6]),
		Checksum:   binary.BigEndian.Uint32(buf[6:10]),
	}
	if h.Version != CurrentProtocolVersion {
		return nil, fmt.Errorf("session: unsupported protocol version %d", h.Version)
	}
	if h.PayloadLen > maxMessageSize {
		return nil, fmt.Errorf("session: payload too large: %d bytes", h.PayloadLen)
	}

	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(payload) != h.Checksum {
		return nil, errors.New("session: checksum mismatch")
	}

	var msg Message
	switch h.Type {
	case MsgTypeHandshake:
		msg = &HandshakeMessage{}
	case MsgTypeHandshakeAck:
		msg = &HandshakeAckMessage{}
	case MsgTypePeerRequest:
		msg = &PeerRequestMessage{}
	case MsgTypePeerResponse:
		msg = &PeerListMessage{}
	case MsgTypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("session: unknown message type %d", h.Type)
	}
	if err := msg.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("session: unmarshal %s: %w", h.Type, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("session: validate %s: %w", h.Type, err)
	}
	return msg, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func readString(r *bytes.Reader, maxLen int) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int(n) > maxLen {
		return "", errors.New("session: string field too long")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// HandshakeMessage is the first message on a new connection: protocol
// version, advertised capabilities, and the node's own listen address for
// the peer to relay onward.
type HandshakeMessage struct {
	ProtocolVersion uint8
	NodeID          string
	ListenAddr      string
	Capabilities    []string
}

func (m *HandshakeMessage) Type() MessageType { return MsgTypeHandshake }

func (m *HandshakeMessage) Validate() error {
	if m.ProtocolVersion != CurrentProtocolVersion {
		return fmt.Errorf("unsupported protocol version: %d", m.ProtocolVersion)
	}
	if m.NodeID == "" {
		return errors.New("node_id is required")
	}
	if len(m.Capabilities) > maxCapabilities {
		return errors.New("too many capabilities")
	}
	return nil
}

func (m *HandshakeMessage) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := buf.WriteByte(m.ProtocolVersion); err != nil {
		return nil, err
	}
	if err := writeString(buf, m.NodeID); err != nil {
		return nil, err
	}
	if err := writeString(buf, m.ListenAddr); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, uint32(len(m.Capabilities))); err != nil {
		return nil, err
	}
	for _, c := range m.Capabilities {
		if err := writeString(buf, c); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (m *HandshakeMessage) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.ProtocolVersion = version

	if m.NodeID, err = readString(r, 256); err != nil {
		return err
	}
	if m.ListenAddr, err = readString(r, 256); err != nil {
		return err
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return err
	}
	if n > maxCapabilities {
		return errors.New("too many capabilities")
	}
	m.Capabilities = make([]string, n)
	for i := range m.Capabilities {
		if m.Capabilities[i], err = readString(r, 128); err != nil {
			return err
		}
	}
	return nil
}

// HandshakeAckMessage accepts or rejects a HandshakeMessage.
type HandshakeAckMessage struct {
	Accepted bool
	Reason   string
	NodeID   string
}

func (m *HandshakeAckMessage) Type() MessageType { return MsgTypeHandshakeAck }

func (m *HandshakeAckMessage) Validate() error {
	if !m.Accepted && m.Reason == "" {
		return errors.New("reason required for rejected handshake")
	}
	return nil
}

func (m *HandshakeAckMessage) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	accepted := byte(0)
	if m.Accepted {
		accepted = 1
	}
	if err := buf.WriteByte(accepted); err != nil {
		return nil, err
	}
	if err := writeString(buf, m.Reason); err != nil {
		return nil, err
	}
	if err := writeString(buf, m.NodeID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *HandshakeAckMessage) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	accepted, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Accepted = accepted == 1
	if m.Reason, err = readString(r, 512); err != nil {
		return err
	}
	if m.NodeID, err = readString(r, 256); err != nil {
		return err
	}
	return nil
}

// PeerRequestMessage asks the peer to share what it knows; carries nothing.
type PeerRequestMessage struct{}

func (m *PeerRequestMessage) Type() MessageType        { return MsgTypePeerRequest }
func (m *PeerRequestMessage) Validate() error          { return nil }
func (m *PeerRequestMessage) Marshal() ([]byte, error) { return nil, nil }
func (m *PeerRequestMessage) Unmarshal([]byte) error   { return nil }

// PeerAddress is one entry in a PeerListMessage.
type PeerAddress struct {
	ID   string
	Addr string
}

// PeerListMessage answers a PeerRequestMessage with known peer addresses,
// the node-discovery mechanism a gossip node uses to grow its peer set
// beyond its configured seeds.
type PeerListMessage struct {
	Peers []PeerAddress
}

func (m *PeerListMessage) Type() MessageType { return MsgTypePeerResponse }

func (m *PeerListMessage) Validate() error {
	if len(m.Peers) > maxPeerAddressList {
		return fmt.Errorf("too many peers: %d > %d", len(m.Peers), maxPeerAddressList)
	}
	return nil
}

func (m *PeerListMessage) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, uint32(len(m.Peers))); err != nil {
		return nil, err
	}
	for _, p := range m.Peers {
		if err := writeString(buf, p.ID); err != nil {
			return nil, err
		}
		if err := writeString(buf, p.Addr); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (m *PeerListMessage) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return err
	}
	if n > maxPeerAddressList {
		return errors.New("too many peers")
	}
	m.Peers = make([]PeerAddress, n)
	var err error
	for i := range m.Peers {
		if m.Peers[i].ID, err = readString(r, 256); err != nil {
			return err
		}
		if m.Peers[i].Addr, err = readString(r, 256); err != nil {
			return err
		}
	}
	return nil
}

// ErrorMessage reports a session-level failure before falling back to
// closing the connection.
type ErrorMessage struct {
	Code    uint32
	Message string
}

func (m *ErrorMessage) Type() MessageType { return MsgTypeError }
func (m *ErrorMessage) Validate() error   { return nil }

func (m *ErrorMessage) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, m.Code); err != nil {
		return nil, err
	}
	if err := writeString(buf, m.Message); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ErrorMessage) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.BigEndian, &m.Code); err != nil {
		return err
	}
	var err error
	m.Message, err = readString(r, 1024)
	return err
}
