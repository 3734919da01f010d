package wire

import (
	"bytes"
	"testing"

	"github.com/example/syncore/bitfield"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	buf := Encode(m)
	got, err := ReadMessage(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadMessage(Encode(m)) returned error: %v", err)
	}
	return got
}

func TestRoundTripSimpleMessages(t *testing.T) {
	cases := []Message{
		Choke(),
		Unchoke(),
		Interested(),
		Uninterested(),
		Have(42),
		Request(1, 2, BlockSize),
		Cancel(1, 2, BlockSize),
		PortMsg(6881),
	}
	for _, m := range cases {
		got := roundTrip(t, m)
		if got.Type != m.Type || got.Index != m.Index || got.Begin != m.Begin || got.Length != m.Length || got.Port != m.Port {
			t.Fatalf("round trip mismatch: sent %+v got %+v", m, got)
		}
	}
}

func TestRoundTripKeepAlive(t *testing.T) {
	got := roundTrip(t, KeepAlive())
	if got.Type != TypeKeepAlive {
		t.Fatalf("expected TypeKeepAlive, got %v", got.Type)
	}
}

func TestRoundTripBitfield(t *testing.T) {
	b := bitfield.New(20)
	b.Set(0)
	b.Set(19)
	got := roundTrip(t, BitfieldMsg(b))
	if got.Type != TypeBitfield {
		t.Fatalf("expected TypeBitfield, got %v", got.Type)
	}
	if !got.Bits.Has(0) || !got.Bits.Has(19) {
		t.Fatalf("bitfield payload lost bits: %v", got.Bits)
	}
}

func TestRoundTripPiece(t *testing.T) {
	block := bytes.Repeat([]byte{0xAB}, 1024)
	got := roundTrip(t, Piece(3, 0, block))
	if got.Type != TypePiece || got.Index != 3 || got.Begin != 0 {
		t.Fatalf("piece header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Block, block) {
		t.Fatal("piece block payload mismatch")
	}
}

// TestSharedPieceIndistinguishableFromPiece verifies that a SharedPiece
// message, once it crosses the wire, decodes back as a plain Piece: the
// variant only matters on the sending side's upload-queue accounting.
func TestSharedPieceIndistinguishableFromPiece(t *testing.T) {
	block := []byte{1, 2, 3, 4}
	encoded := Encode(SharedPiece(5, 10, block))
	got, err := ReadMessage(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("ReadMessage returned error: %v", err)
	}
	if got.Type != TypePiece {
		t.Fatalf("expected decoded SharedPiece to read back as TypePiece, got %v", got.Type)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	var h Handshake
	copy(h.InfoHash[:], bytes.Repeat([]byte{0x11}, 20))
	copy(h.PeerID[:], bytes.Repeat([]byte{0x22}, 20))
	h.Reserved[DHTExt.Byte] = DHTExt.Bit

	buf := h.Encode()
	got, err := ReadHandshake(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadHandshake returned error: %v", err)
	}
	if got.InfoHash != h.InfoHash || got.PeerID != h.PeerID {
		t.Fatalf("handshake identity fields mismatch: %+v", got)
	}
	if !got.SpeaksDHT() {
		t.Fatal("expected decoded handshake to advertise DHT support")
	}
}

func TestReadHandshakeRejectsWrongProtocol(t *testing.T) {
	bad := make([]byte, 0)
	bad = append(bad, byte(len("garbage")))
	bad = append(bad, []byte("garbage")...)
	bad = append(bad, make([]byte, 48)...)

	if _, err := ReadHandshake(bytes.NewReader(bad)); err == nil {
		t.Fatal("expected error for unrecognized protocol identifier")
	}
}

func TestReadMessageRejectsMalformedHave(t *testing.T) {
	buf := []byte{0, 0, 0, 2, 4, 0} // length=2, tag=have, 1-byte payload
	if _, err := ReadMessage(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected error decoding truncated have payload")
	}
}
