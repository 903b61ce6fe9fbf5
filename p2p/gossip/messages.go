package gossip

import "fmt"

// MessageType tags the four on-wire variants exchanged between gossip
// engines on different nodes (§6).
type MessageType uint8

const (
	MsgGossip MessageType = iota + 1
	MsgGossipResponse
	MsgGetRequest
	MsgGetResponse
)

func (mt MessageType) String() string {
	switch mt {
	case MsgGossip:
		return "Gossip"
	case MsgGossipResponse:
		return "GossipResponse"
	case MsgGetRequest:
		return "GetRequest"
	case MsgGetResponse:
		return "GetResponse"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(mt))
	}
}

// Envelope is the tagged union of wire messages the engine sends and
// receives. Exactly one of the payload fields is populated, selected by
// Type. Id and Item are the embedder's opaque types; encoding is left to
// the transport (§1 non-goal: serialization is an external collaborator).
type Envelope[Id comparable, Item any] struct {
	typ MessageType

	gossipID     Id
	respID       Id
	respHeld     bool
	getReqID     Id
	getRespItem  Item
}

// Type reports which of the four variants this envelope carries.
func (e Envelope[Id, Item]) Type() MessageType { return e.typ }

// Gossip builds an announce message for id.
func Gossip[Id comparable, Item any](id Id) Envelope[Id, Item] {
	return Envelope[Id, Item]{typ: MsgGossip, gossipID: id}
}

// GossipID returns the id carried by a Gossip envelope; panics if called on
// another variant, matching the embedder's responsibility to switch on Type
// before reading a payload accessor (mirrors a protobuf oneof getter).
func (e Envelope[Id, Item]) GossipID() Id {
	mustBe(e.typ, MsgGossip)
	return e.gossipID
}

// GossipResponse builds a reply to a Gossip announce. isAlreadyHeld reports
// whether the *responder* already holds the full item.
func GossipResponse[Id comparable, Item any](id Id, isAlreadyHeld bool) Envelope[Id, Item] {
	return Envelope[Id, Item]{typ: MsgGossipResponse, respID: id, respHeld: isAlreadyHeld}
}

func (e Envelope[Id, Item]) GossipResponseID() Id {
	mustBe(e.typ, MsgGossipResponse)
	return e.respID
}

func (e Envelope[Id, Item]) IsAlreadyHeld() bool {
	mustBe(e.typ, MsgGossipResponse)
	return e.respHeld
}

// GetRequest builds a request for the full item identified by id.
func GetRequest[Id comparable, Item any](id Id) Envelope[Id, Item] {
	return Envelope[Id, Item]{typ: MsgGetRequest, getReqID: id}
}

func (e Envelope[Id, Item]) GetRequestID() Id {
	mustBe(e.typ, MsgGetRequest)
	return e.getReqID
}

// GetResponse builds a reply carrying the full item.
func GetResponse[Id comparable, Item any](item Item) Envelope[Id, Item] {
	return Envelope[Id, Item]{typ: MsgGetResponse, getRespItem: item}
}

func (e Envelope[Id, Item]) GetResponseItem() Item {
	mustBe(e.typ, MsgGetResponse)
	return e.getRespItem
}

func mustBe(got, want MessageType) {
	if got != want {
		panic(fmt.Sprintf("gossip: envelope accessor for %s called on %s envelope", want, got))
	}
}
