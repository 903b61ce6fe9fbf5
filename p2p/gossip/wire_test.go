package gossip

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWireRoundTripAllVariants(t *testing.T) {
	codec := BytesCodec{}

	cases := []Envelope[string, []byte]{
		Gossip[string, []byte]("item1"),
		GossipResponse[string, []byte]("item1", true),
		GossipResponse[string, []byte]("item1", false),
		GetRequest[string, []byte]("item1"),
		GetResponse[string, []byte]([]byte("payload bytes")),
	}

	for _, want := range cases {
		data, err := EncodeEnvelope[string, []byte](codec, want)
		require.NoError(t, err)

		var buf bytes.Buffer
		buf.Write(data)
		got, err := ReadEnvelope[string, []byte](&buf, codec)
		require.NoError(t, err)

		require.Equal(t, want.Type(), got.Type())
		switch want.Type() {
		case MsgGossip:
			require.Equal(t, want.GossipID(), got.GossipID())
		case MsgGossipResponse:
			require.Equal(t, want.GossipResponseID(), got.GossipResponseID())
			require.Equal(t, want.IsAlreadyHeld(), got.IsAlreadyHeld())
		case MsgGetRequest:
			require.Equal(t, want.GetRequestID(), got.GetRequestID())
		case MsgGetResponse:
			require.Equal(t, want.GetResponseItem(), got.GetResponseItem())
		}
	}
}

func TestReadEnvelopeRejectsChecksumMismatch(t *testing.T) {
	codec := BytesCodec{}
	data, err := EncodeEnvelope[string, []byte](codec, Gossip[string, []byte]("item1"))
	require.NoError(t, err)

	corrupted := append([]byte(nil), data...)
	corrupted[len(corrupted)-1] ^= 0xFF

	_, err = ReadEnvelope[string, []byte](bytes.NewReader(corrupted), codec)
	require.Error(t, err)
}

func TestMessageTypeStringUnknown(t *testing.T) {
	require.Contains(t, MessageType(99).String(), "Unknown")
}

func TestEnvelopeAccessorPanicsOnWrongVariant(t *testing.T) {
	msg := Gossip[string, []byte]("item1")
	require.Panics(t, func() { msg.GetRequestID() })
}
