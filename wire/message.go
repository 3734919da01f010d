// Package wire implements BitTorrent v1 peer-wire framing: the handshake
// and the ten peer messages, ported from the teacher's torrent/protocol.go
// and generalized to the session core's SharedPiece variant.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/example/syncore/bitfield"
)

// ProtocolID is the pstr sent in every handshake.
const ProtocolID = "BitTorrent protocol"

// BlockSize is the common maximum block request size.
const BlockSize = 16 * 1024

// MaxPipeline is the hard cap on outstanding requests per peer (spec §4.2).
const MaxPipeline = 5

// DHTExt identifies the reserved-byte index and bit flagging DHT support.
var DHTExt = struct {
	Byte uint8
	Bit  byte
}{Byte: 7, Bit: 0x01}

// Type identifies a peer message's tag byte. KeepAlive has no tag on the
// wire (it is a zero-length frame); TypeKeepAlive is a sentinel value used
// only in the decoded Message, never serialized as a byte.
type Type uint8

const (
	TypeChoke Type = iota
	TypeUnchoke
	TypeInterested
	TypeUninterested
	TypeHave
	TypeBitfield
	TypeRequest
	TypePiece
	TypeCancel
	TypePort
	TypeKeepAlive
	// TypeSharedPiece is indistinguishable from TypePiece on the wire; it
	// exists only so the reactor can account for a block copied to several
	// upload queues without re-reading it from disk.
	TypeSharedPiece
)

// Message is the decoded form of any peer-wire frame.
type Message struct {
	Type   Type
	Index  uint32
	Begin  uint32
	Length uint32 // for Request/Cancel: requested length. For Have: unused.
	Block  []byte // for Piece/SharedPiece
	Bits   bitfield.Bitfield
	Port   uint16
}

func KeepAlive() Message { return Message{Type: TypeKeepAlive} }
func Choke() Message     { return Message{Type: TypeChoke} }
func Unchoke() Message   { return Message{Type: TypeUnchoke} }
func Interested() Message { return Message{Type: TypeInterested} }
func Uninterested() Message { return Message{Type: TypeUninterested} }
func Have(idx uint32) Message { return Message{Type: TypeHave, Index: idx} }
func BitfieldMsg(b bitfield.Bitfield) Message { return Message{Type: TypeBitfield, Bits: b} }
func Request(idx, begin, length uint32) Message {
	return Message{Type: TypeRequest, Index: idx, Begin: begin, Length: length}
}
func Piece(idx, begin uint32, block []byte) Message {
	return Message{Type: TypePiece, Index: idx, Begin: begin, Block: block, Length: uint32(len(block))}
}
func SharedPiece(idx, begin uint32, block []byte) Message {
	return Message{Type: TypeSharedPiece, Index: idx, Begin: begin, Block: block, Length: uint32(len(block))}
}
func Cancel(idx, begin, length uint32) Message {
	return Message{Type: TypeCancel, Index: idx, Begin: begin, Length: length}
}
func PortMsg(port uint16) Message { return Message{Type: TypePort, Port: port} }

// wireTag maps a Type to the byte put on the wire. SharedPiece shares
// Piece's tag: the two are indistinguishable to a remote peer.
func wireTag(t Type) (byte, bool) {
	switch t {
	case TypeChoke:
		return 0, true
	case TypeUnchoke:
		return 1, true
	case TypeInterested:
		return 2, true
	case TypeUninterested:
		return 3, true
	case TypeHave:
		return 4, true
	case TypeBitfield:
		return 5, true
	case TypeRequest:
		return 6, true
	case TypePiece, TypeSharedPiece:
		return 7, true
	case TypeCancel:
		return 8, true
	case TypePort:
		return 9, true
	default:
		return 0, false
	}
}

// Encode serializes m into a length-prefixed frame ready to write to a
// peer socket.
func Encode(m Message) []byte {
	if m.Type == TypeKeepAlive {
		return make([]byte, 4)
	}
	tag, ok := wireTag(m.Type)
	if !ok {
		panic(fmt.Sprintf("wire: cannot encode message type %v", m.Type))
	}

	var payload []byte
	switch m.Type {
	case TypeHave:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, m.Index)
	case TypeBitfield:
		payload = m.Bits
	case TypeRequest, TypeCancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		binary.BigEndian.PutUint32(payload[8:12], m.Length)
	case TypePiece, TypeSharedPiece:
		payload = make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		copy(payload[8:], m.Block)
	case TypePort:
		payload = make([]byte, 2)
		binary.BigEndian.PutUint16(payload, m.Port)
	}

	length := uint32(1 + len(payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = tag
	copy(buf[5:], payload)
	return buf
}

// ReadMessage reads one frame from r, blocking until a full frame (or
// error) arrives. The length prefix has already been validated to fit in
// memory by the caller's framing contract — session-core messages never
// exceed a piece length.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return KeepAlive(), nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}

	tag := body[0]
	payload := body[1:]
	switch tag {
	case 0:
		return Choke(), nil
	case 1:
		return Unchoke(), nil
	case 2:
		return Interested(), nil
	case 3:
		return Uninterested(), nil
	case 4:
		if len(payload) != 4 {
			return Message{}, fmt.Errorf("wire: malformed have payload (%d bytes)", len(payload))
		}
		return Have(binary.BigEndian.Uint32(payload)), nil
	case 5:
		return BitfieldMsg(bitfield.Bitfield(payload)), nil
	case 6:
		if len(payload) != 12 {
			return Message{}, fmt.Errorf("wire: malformed request payload (%d bytes)", len(payload))
		}
		return Request(
			binary.BigEndian.Uint32(payload[0:4]),
			binary.BigEndian.Uint32(payload[4:8]),
			binary.BigEndian.Uint32(payload[8:12]),
		), nil
	case 7:
		if len(payload) < 8 {
			return Message{}, fmt.Errorf("wire: malformed piece payload (%d bytes)", len(payload))
		}
		idx := binary.BigEndian.Uint32(payload[0:4])
		begin := binary.BigEndian.Uint32(payload[4:8])
		block := make([]byte, len(payload)-8)
		copy(block, payload[8:])
		return Piece(idx, begin, block), nil
	case 8:
		if len(payload) != 12 {
			return Message{}, fmt.Errorf("wire: malformed cancel payload (%d bytes)", len(payload))
		}
		return Cancel(
			binary.BigEndian.Uint32(payload[0:4]),
			binary.BigEndian.Uint32(payload[4:8]),
			binary.BigEndian.Uint32(payload[8:12]),
		), nil
	case 9:
		if len(payload) != 2 {
			return Message{}, fmt.Errorf("wire: malformed port payload (%d bytes)", len(payload))
		}
		return PortMsg(binary.BigEndian.Uint16(payload)), nil
	default:
		return Message{}, fmt.Errorf("wire: unknown message tag %d", tag)
	}
}

// Handshake is the 68-byte preamble exchanged before any framed message.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// Encode serializes the handshake.
func (h Handshake) Encode() []byte {
	buf := make([]byte, 49+len(ProtocolID))
	buf[0] = byte(len(ProtocolID))
	copy(buf[1:], ProtocolID)
	copy(buf[1+len(ProtocolID):], h.Reserved[:])
	copy(buf[1+len(ProtocolID)+8:], h.InfoHash[:])
	copy(buf[1+len(ProtocolID)+8+20:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and validates a handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var lb [1]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return Handshake{}, err
	}
	pstrlen := int(lb[0])
	if pstrlen == 0 {
		return Handshake{}, fmt.Errorf("wire: zero-length pstr in handshake")
	}

	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, err
	}
	if string(rest[:pstrlen]) != ProtocolID {
		return Handshake{}, fmt.Errorf("wire: unrecognized protocol identifier %q", rest[:pstrlen])
	}

	var h Handshake
	copy(h.Reserved[:], rest[pstrlen:pstrlen+8])
	copy(h.InfoHash[:], rest[pstrlen+8:pstrlen+28])
	copy(h.PeerID[:], rest[pstrlen+28:pstrlen+48])
	return h, nil
}

// SpeaksDHT reports whether the reserved bytes advertise DHT support.
func (h Handshake) SpeaksDHT() bool {
	return h.Reserved[DHTExt.Byte]&DHTExt.Bit != 0
}
