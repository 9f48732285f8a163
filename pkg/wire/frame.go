// Package wire implements the portal wire messages exchanged by history
// network peers. Every message is a one byte message code followed by the
// SSZ encoding of its body.
package wire

import (
	"encoding/binary"
	"fmt"

	ssz "github.com/ferranbt/fastssz"
	"github.com/holiman/uint256"
	"github.com/prysmaticlabs/go-bitfield"

	"github.com/WebFirstLanguage/histnet/pkg/constants"
)

// Content union selectors
const (
	ContentConnectionID = 0
	ContentPayload      = 1
	ContentENRs         = 2
)

const (
	maxCustomPayload = 2048
	maxDistances     = 256
	maxENRs          = 32
)

// Message is implemented by every wire message
type Message interface {
	Code() byte
}

// Ping carries the sender's record sequence number and storage radius
type Ping struct {
	EnrSeq uint64
	Radius *uint256.Int
}

// Pong answers a Ping with the responder's sequence number and radius
type Pong struct {
	EnrSeq uint64
	Radius *uint256.Int
}

// FindNodes requests records at the given log distances
type FindNodes struct {
	Distances []uint16
}

// Nodes returns RLP encoded node records
type Nodes struct {
	Total uint8
	ENRs  [][]byte
}

// FindContent requests the item identified by ContentKey
type FindContent struct {
	ContentKey []byte
}

// Content is the FindContent response. Exactly one of ConnectionID,
// Payload or ENRs is meaningful, as chosen by Selector.
type Content struct {
	Selector     byte
	ConnectionID uint16
	Payload      []byte
	ENRs         [][]byte
}

// Offer announces content keys the sender can stream
type Offer struct {
	ContentKeys [][]byte
}

// Accept answers an Offer with a stream id and the wanted keys
type Accept struct {
	ConnectionID uint16
	ContentKeys  bitfield.Bitlist
}

// Code returns the message code
func (*Ping) Code() byte { return constants.MsgPing }

// Code returns the message code
func (*Pong) Code() byte { return constants.MsgPong }

// Code returns the message code
func (*FindNodes) Code() byte { return constants.MsgFindNodes }

// Code returns the message code
func (*Nodes) Code() byte { return constants.MsgNodes }

// Code returns the message code
func (*FindContent) Code() byte { return constants.MsgFindContent }

// Code returns the message code
func (*Content) Code() byte { return constants.MsgContent }

// Code returns the message code
func (*Offer) Code() byte { return constants.MsgOffer }

// Code returns the message code
func (*Accept) Code() byte { return constants.MsgAccept }

// Encode serializes m prefixed with its message code
func Encode(m Message) ([]byte, error) {
	buf := []byte{m.Code()}
	switch msg := m.(type) {
	case *Ping:
		return encodePing(buf, msg.EnrSeq, msg.Radius), nil
	case *Pong:
		return encodePing(buf, msg.EnrSeq, msg.Radius), nil
	case *FindNodes:
		if len(msg.Distances) > maxDistances {
			return nil, ErrTooLarge(len(msg.Distances), maxDistances)
		}
		buf = ssz.WriteOffset(buf, 4)
		for _, d := range msg.Distances {
			buf = ssz.MarshalUint16(buf, d)
		}
		return buf, nil
	case *Nodes:
		if len(msg.ENRs) > maxENRs {
			return nil, ErrTooLarge(len(msg.ENRs), maxENRs)
		}
		buf = ssz.MarshalUint8(buf, msg.Total)
		buf = ssz.WriteOffset(buf, 5)
		return append(buf, EncodeByteLists(msg.ENRs)...), nil
	case *FindContent:
		buf = ssz.WriteOffset(buf, 4)
		return append(buf, msg.ContentKey...), nil
	case *Content:
		buf = append(buf, msg.Selector)
		switch msg.Selector {
		case ContentConnectionID:
			return append(buf, encodeConnectionID(msg.ConnectionID)...), nil
		case ContentPayload:
			return append(buf, msg.Payload...), nil
		case ContentENRs:
			if len(msg.ENRs) > maxENRs {
				return nil, ErrTooLarge(len(msg.ENRs), maxENRs)
			}
			return append(buf, EncodeByteLists(msg.ENRs)...), nil
		default:
			return nil, fmt.Errorf("unknown content selector %d", msg.Selector)
		}
	case *Offer:
		if len(msg.ContentKeys) > constants.MaxOfferKeys {
			return nil, ErrTooLarge(len(msg.ContentKeys), constants.MaxOfferKeys)
		}
		buf = ssz.WriteOffset(buf, 4)
		return append(buf, EncodeByteLists(msg.ContentKeys)...), nil
	case *Accept:
		if len(msg.ContentKeys) == 0 {
			return nil, ErrMalformed("empty content key bitlist")
		}
		buf = append(buf, encodeConnectionID(msg.ConnectionID)...)
		buf = ssz.WriteOffset(buf, 6)
		return append(buf, msg.ContentKeys...), nil
	default:
		return nil, fmt.Errorf("unsupported message type %T", m)
	}
}

// Decode parses a code-prefixed message
func Decode(buf []byte) (Message, error) {
	if len(buf) == 0 {
		return nil, ErrMalformed("empty message")
	}
	code, body := buf[0], buf[1:]
	switch code {
	case constants.MsgPing:
		seq, radius, err := decodePing(body)
		if err != nil {
			return nil, err
		}
		return &Ping{EnrSeq: seq, Radius: radius}, nil
	case constants.MsgPong:
		seq, radius, err := decodePing(body)
		if err != nil {
			return nil, err
		}
		return &Pong{EnrSeq: seq, Radius: radius}, nil
	case constants.MsgFindNodes:
		field, err := singleVariableField(body, 4)
		if err != nil {
			return nil, err
		}
		if len(field)%2 != 0 || len(field)/2 > maxDistances {
			return nil, ErrMalformed("invalid distance list")
		}
		msg := &FindNodes{Distances: make([]uint16, len(field)/2)}
		for i := range msg.Distances {
			msg.Distances[i] = ssz.UnmarshallUint16(field[2*i : 2*i+2])
		}
		return msg, nil
	case constants.MsgNodes:
		if len(body) < 5 {
			return nil, ErrMalformed("nodes message too short")
		}
		field, err := singleVariableField(body[1:], 4)
		if err != nil {
			return nil, err
		}
		enrs, err := DecodeByteLists(field, maxENRs)
		if err != nil {
			return nil, err
		}
		return &Nodes{Total: body[0], ENRs: enrs}, nil
	case constants.MsgFindContent:
		field, err := singleVariableField(body, 4)
		if err != nil {
			return nil, err
		}
		return &FindContent{ContentKey: copyBytes(field)}, nil
	case constants.MsgContent:
		return decodeContent(body)
	case constants.MsgOffer:
		field, err := singleVariableField(body, 4)
		if err != nil {
			return nil, err
		}
		keys, err := DecodeByteLists(field, constants.MaxOfferKeys)
		if err != nil {
			return nil, err
		}
		return &Offer{ContentKeys: keys}, nil
	case constants.MsgAccept:
		if len(body) < 6 {
			return nil, ErrMalformed("accept message too short")
		}
		field, err := singleVariableField(body[2:], 4)
		if err != nil {
			return nil, err
		}
		if len(field) == 0 || field[len(field)-1] == 0 {
			return nil, ErrMalformed("invalid content key bitlist")
		}
		return &Accept{
			ConnectionID: binary.BigEndian.Uint16(body[0:2]),
			ContentKeys:  bitfield.Bitlist(copyBytes(field)),
		}, nil
	default:
		return nil, ErrUnknownMessage(code)
	}
}

func decodeContent(body []byte) (*Content, error) {
	if len(body) == 0 {
		return nil, ErrMalformed("content message without selector")
	}
	msg := &Content{Selector: body[0]}
	value := body[1:]
	switch msg.Selector {
	case ContentConnectionID:
		if len(value) != 2 {
			return nil, ErrMalformed("connection id must be 2 bytes")
		}
		msg.ConnectionID = binary.BigEndian.Uint16(value)
	case ContentPayload:
		msg.Payload = copyBytes(value)
	case ContentENRs:
		enrs, err := DecodeByteLists(value, maxENRs)
		if err != nil {
			return nil, err
		}
		msg.ENRs = enrs
	default:
		return nil, ErrMalformed(fmt.Sprintf("unknown content selector %d", msg.Selector))
	}
	return msg, nil
}

func encodePing(buf []byte, seq uint64, radius *uint256.Int) []byte {
	buf = ssz.MarshalUint64(buf, seq)
	buf = ssz.WriteOffset(buf, 12)
	return append(buf, EncodeRadius(radius)...)
}

func decodePing(body []byte) (uint64, *uint256.Int, error) {
	if len(body) < 12 {
		return 0, nil, ErrMalformed("ping message too short")
	}
	seq := ssz.UnmarshallUint64(body[0:8])
	payload, err := singleVariableField(body[8:], 12)
	if err != nil {
		return 0, nil, err
	}
	if len(payload) > maxCustomPayload {
		return 0, nil, ErrTooLarge(len(payload), maxCustomPayload)
	}
	radius, err := DecodeRadius(payload)
	if err != nil {
		return 0, nil, err
	}
	return seq, radius, nil
}

// EncodeRadius encodes a storage radius as a little-endian uint256
func EncodeRadius(radius *uint256.Int) []byte {
	if radius == nil {
		radius = new(uint256.Int)
	}
	be := radius.Bytes32()
	le := make([]byte, 32)
	for i := 0; i < 32; i++ {
		le[i] = be[31-i]
	}
	return le
}

// DecodeRadius parses a little-endian uint256 radius
func DecodeRadius(buf []byte) (*uint256.Int, error) {
	if len(buf) != 32 {
		return nil, ErrMalformed("radius must be 32 bytes")
	}
	be := make([]byte, 32)
	for i := 0; i < 32; i++ {
		be[i] = buf[31-i]
	}
	return new(uint256.Int).SetBytes(be), nil
}

// EncodeByteLists serializes a list of variable length byte strings
func EncodeByteLists(items [][]byte) []byte {
	size := 4 * len(items)
	for _, item := range items {
		size += len(item)
	}
	buf := make([]byte, 0, size)
	offset := 4 * len(items)
	for _, item := range items {
		buf = ssz.WriteOffset(buf, offset)
		offset += len(item)
	}
	for _, item := range items {
		buf = append(buf, item...)
	}
	return buf
}

// DecodeByteLists parses a list of at most max variable length byte strings
func DecodeByteLists(buf []byte, max int) ([][]byte, error) {
	if len(buf) == 0 {
		return [][]byte{}, nil
	}
	if len(buf) < 4 {
		return nil, ErrMalformed("list shorter than one offset")
	}
	first := ssz.ReadOffset(buf[0:4])
	if first == 0 || first%4 != 0 || first > uint64(len(buf)) {
		return nil, ErrMalformed("invalid first list offset")
	}
	num := int(first / 4)
	if num > max {
		return nil, ErrMalformed(fmt.Sprintf("list of %d items exceeds limit %d", num, max))
	}
	offsets := make([]uint64, num+1)
	for i := 0; i < num; i++ {
		offsets[i] = ssz.ReadOffset(buf[4*i : 4*i+4])
		if i > 0 && offsets[i] < offsets[i-1] {
			return nil, ErrMalformed("list offsets are not increasing")
		}
		if offsets[i] > uint64(len(buf)) {
			return nil, ErrMalformed("list offset past end of buffer")
		}
	}
	offsets[num] = uint64(len(buf))
	items := make([][]byte, num)
	for i := 0; i < num; i++ {
		items[i] = copyBytes(buf[offsets[i]:offsets[i+1]])
	}
	return items, nil
}

// singleVariableField returns the only variable field of a container whose
// fixed part is fixedSize bytes ending in that field's offset
func singleVariableField(buf []byte, fixedSize uint64) ([]byte, error) {
	if uint64(len(buf)) < 4 {
		return nil, ErrMalformed("missing offset")
	}
	if offset := ssz.ReadOffset(buf[0:4]); offset != fixedSize {
		return nil, ErrMalformed(fmt.Sprintf("unexpected offset %d", offset))
	}
	return buf[4:], nil
}

func encodeConnectionID(id uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, id)
	return b
}

func copyBytes(b []byte) []byte {
	return append([]byte{}, b...)
}
