package wire

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/prysmaticlabs/go-bitfield"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/histnet/pkg/constants"
)

func TestDecode_ContentPayload(t *testing.T) {
	msg, err := Decode([]byte{5, 1, 97, 98, 99})
	require.NoError(t, err)

	c, ok := msg.(*Content)
	require.True(t, ok, "expected *Content, got %T", msg)
	assert.Equal(t, byte(ContentPayload), c.Selector)
	assert.Equal(t, []byte("abc"), c.Payload)
}

func TestEncode_ContentVariants(t *testing.T) {
	enc, err := Encode(&Content{Selector: ContentPayload, Payload: []byte("abc")})
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 1, 97, 98, 99}, enc)

	enc, err = Encode(&Content{Selector: ContentConnectionID, ConnectionID: 0x0102})
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 0, 0x01, 0x02}, enc)

	msg, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), msg.(*Content).ConnectionID)

	enrs := [][]byte{[]byte("first"), []byte("second-record")}
	enc, err = Encode(&Content{Selector: ContentENRs, ENRs: enrs})
	require.NoError(t, err)
	msg, err = Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, enrs, msg.(*Content).ENRs)

	_, err = Encode(&Content{Selector: 9})
	assert.Error(t, err)
}

func TestDecode_ContentMalformed(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"no selector", []byte{constants.MsgContent}},
		{"short connection id", []byte{constants.MsgContent, 0, 1}},
		{"unknown selector", []byte{constants.MsgContent, 3, 1, 2}},
		{"bad enr offsets", []byte{constants.MsgContent, 2, 3, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.buf)
			var wireErr *Error
			require.ErrorAs(t, err, &wireErr)
			assert.Equal(t, uint16(constants.ErrorMalformed), wireErr.Code)
		})
	}
}

func TestPingPong_Radius(t *testing.T) {
	radius := new(uint256.Int).Lsh(uint256.NewInt(1), 255)
	enc, err := Encode(&Ping{EnrSeq: 7, Radius: radius})
	require.NoError(t, err)
	assert.Len(t, enc, 1+8+4+32)
	// radius is little endian, so the top bit lands in the last byte
	assert.Equal(t, byte(0x80), enc[len(enc)-1])

	msg, err := Decode(enc)
	require.NoError(t, err)
	ping := msg.(*Ping)
	assert.Equal(t, uint64(7), ping.EnrSeq)
	assert.True(t, ping.Radius.Eq(radius))

	enc, err = Encode(&Pong{EnrSeq: 9})
	require.NoError(t, err)
	msg, err = Decode(enc)
	require.NoError(t, err)
	pong := msg.(*Pong)
	assert.Equal(t, uint64(9), pong.EnrSeq)
	assert.True(t, pong.Radius.IsZero())
}

func TestFindNodesAndNodes(t *testing.T) {
	enc, err := Encode(&FindNodes{Distances: []uint16{256, 255, 0}})
	require.NoError(t, err)
	msg, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, []uint16{256, 255, 0}, msg.(*FindNodes).Distances)

	enc, err = Encode(&Nodes{Total: 1, ENRs: [][]byte{{0xc0}}})
	require.NoError(t, err)
	msg, err = Decode(enc)
	require.NoError(t, err)
	nodes := msg.(*Nodes)
	assert.Equal(t, uint8(1), nodes.Total)
	assert.Equal(t, [][]byte{{0xc0}}, nodes.ENRs)

	enc, err = Encode(&Nodes{Total: 1})
	require.NoError(t, err)
	msg, err = Decode(enc)
	require.NoError(t, err)
	assert.Empty(t, msg.(*Nodes).ENRs)
}

func TestFindContent(t *testing.T) {
	key := append([]byte{0, 1, 0}, make([]byte, 32)...)
	enc, err := Encode(&FindContent{ContentKey: key})
	require.NoError(t, err)
	assert.Equal(t, []byte{constants.MsgFindContent, 4, 0, 0, 0}, enc[:5])

	msg, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, key, msg.(*FindContent).ContentKey)

	_, err = Decode([]byte{constants.MsgFindContent, 5, 0, 0, 0})
	assert.Error(t, err)
}

func TestOfferAccept(t *testing.T) {
	keys := [][]byte{{1, 2, 3}, {4, 5}, {6}}
	enc, err := Encode(&Offer{ContentKeys: keys})
	require.NoError(t, err)
	msg, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, keys, msg.(*Offer).ContentKeys)

	bits := bitfield.NewBitlist(3)
	bits.SetBitAt(0, true)
	bits.SetBitAt(2, true)
	enc, err = Encode(&Accept{ConnectionID: 42, ContentKeys: bits})
	require.NoError(t, err)
	msg, err = Decode(enc)
	require.NoError(t, err)
	accept := msg.(*Accept)
	assert.Equal(t, uint16(42), accept.ConnectionID)
	assert.Equal(t, uint64(3), accept.ContentKeys.Len())
	assert.True(t, accept.ContentKeys.BitAt(0))
	assert.False(t, accept.ContentKeys.BitAt(1))
	assert.True(t, accept.ContentKeys.BitAt(2))
}

func TestOffer_TooManyKeys(t *testing.T) {
	keys := make([][]byte, constants.MaxOfferKeys+1)
	for i := range keys {
		keys[i] = []byte{byte(i)}
	}
	_, err := Encode(&Offer{ContentKeys: keys})
	assert.Error(t, err)
}

func TestDecode_UnknownCode(t *testing.T) {
	_, err := Decode([]byte{0x7f})
	var wireErr *Error
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, uint16(constants.ErrorUnknownMessage), wireErr.Code)

	_, err = Decode(nil)
	assert.Error(t, err)
}

func TestByteLists(t *testing.T) {
	items := [][]byte{{}, {1}, {2, 3}}
	decoded, err := DecodeByteLists(EncodeByteLists(items), 8)
	require.NoError(t, err)
	assert.Equal(t, items, decoded)

	_, err = DecodeByteLists(EncodeByteLists(items), 2)
	assert.Error(t, err)

	// offsets going backwards
	_, err = DecodeByteLists([]byte{8, 0, 0, 0, 4, 0, 0, 0}, 8)
	assert.Error(t, err)
}

func TestError_RoundTrip(t *testing.T) {
	e := ErrRateLimit(5)
	decoded, err := DecodeError(e.MarshalSSZ())
	require.NoError(t, err)
	assert.Equal(t, uint16(constants.ErrorRateLimit), decoded.Code)
	require.NotNil(t, decoded.RetryAfter)
	assert.Equal(t, uint32(5), *decoded.RetryAfter)
	assert.True(t, decoded.IsRetryable())
	assert.Equal(t, "RATE_LIMIT", ErrorCodeName(decoded.Code))

	decoded, err = DecodeError(NewError(constants.ErrorNotFound, "missing").MarshalSSZ())
	require.NoError(t, err)
	assert.Nil(t, decoded.RetryAfter)
	assert.Equal(t, "missing", decoded.Reason)
	assert.False(t, decoded.IsRetryable())

	_, err = DecodeError([]byte{1, 2})
	assert.Error(t, err)
}
