package reactor

import (
	"crypto/sha1"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/example/syncore/bencode"
	"github.com/example/syncore/bitfield"
	"github.com/example/syncore/metainfo"
	"github.com/example/syncore/throttle"
	"github.com/example/syncore/wire"
)

func testMetainfo(t *testing.T, content []byte, pieceLength int64) *metainfo.Metainfo {
	t.Helper()
	var pieces []byte
	for off := int64(0); off < int64(len(content)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		h := sha1.Sum(content[off:end])
		pieces = append(pieces, h[:]...)
	}
	info := map[string]interface{}{
		"name":         "x.bin",
		"length":       int64(len(content)),
		"piece length": pieceLength,
		"pieces":       pieces,
	}
	root := map[string]interface{}{"announce": "http://t", "info": info}
	raw := bencode.NewData(root).ToBytes()
	m, err := metainfo.FromBytes(raw)
	if err != nil {
		t.Fatalf("metainfo.FromBytes: %v", err)
	}
	return m
}

// TestPeerTorrentBijection is property P1: peer.id <-> torrent.id stays a
// bijection across add/remove.
func TestPeerTorrentBijection(t *testing.T) {
	m := testMetainfo(t, []byte("0123456789abcdef"), 8)
	th := throttle.New(0, 0, 1<<20)
	tor := NewTorrent("t1", m, nil, th)

	p1 := NewPeer("p1", tor.ID, "a:1", m.NumPieces(), th.Throttle(1))
	p2 := NewPeer("p2", tor.ID, "a:2", m.NumPieces(), th.Throttle(2))

	if err := tor.AddPeer(p1); err != nil {
		t.Fatal(err)
	}
	if err := tor.AddPeer(p2); err != nil {
		t.Fatal(err)
	}
	if len(tor.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(tor.Peers))
	}

	if _, err := tor.RemovePeer("p1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := tor.Peers["p1"]; ok {
		t.Fatal("expected p1 removed from torrent.Peers")
	}
	if len(tor.Peers) != 1 {
		t.Fatalf("expected 1 peer remaining, got %d", len(tor.Peers))
	}

	if _, err := tor.RemovePeer("ghost"); err == nil {
		t.Fatal("expected an error removing an unknown peer id")
	}
}

func TestAddDuplicatePeerIsLogicError(t *testing.T) {
	m := testMetainfo(t, []byte("01234567"), 8)
	th := throttle.New(0, 0, 1<<20)
	tor := NewTorrent("t1", m, nil, th)
	p := NewPeer("p1", tor.ID, "a:1", m.NumPieces(), th.Throttle(1))
	if err := tor.AddPeer(p); err != nil {
		t.Fatal(err)
	}
	if err := tor.AddPeer(p); err == nil {
		t.Fatal("expected an error re-adding the same peer id")
	}
}

func TestBlockPipelineCompletesAndBroadcastsHave(t *testing.T) {
	content := []byte("0123456789abcdef") // 16 bytes, piece length 8 -> 2 pieces
	m := testMetainfo(t, content, 8)
	th := throttle.New(0, 0, 1<<20)
	tor := NewTorrent("t1", m, nil, th)

	p1 := NewPeer("p1", tor.ID, "a:1", m.NumPieces(), th.Throttle(1))
	p1.Pieces.Set(0)
	p1.Pieces.Set(1)
	p1.Remote.Choked = false
	if err := tor.AddPeer(p1); err != nil {
		t.Fatal(err)
	}

	tor.FillRequests("p1", wire.BlockSize)
	if p1.Queued != 1 {
		t.Fatalf("expected one request queued for piece 0, got %d", p1.Queued)
	}

	res, err := tor.HandleMessage("p1", wire.Piece(0, 0, content[0:8]))
	if err != nil {
		t.Fatal(err)
	}
	if res.NeedsValidate != 0 {
		t.Fatalf("expected piece 0 to need validation, got %d", res.NeedsValidate)
	}

	have := tor.BlockAvailable(0, true)
	if have == nil || have.Index != 0 {
		t.Fatalf("expected a Have(0) broadcast candidate, got %v", have)
	}
	if !tor.Pieces.Has(0) {
		t.Fatal("expected piece 0 marked complete on the torrent's own bitfield")
	}

	p2 := NewPeer("p2", tor.ID, "a:2", m.NumPieces(), th.Throttle(2))
	tor.AddPeer(p2)
	tor.Broadcast(*have)
	if len(p2.Outbound) != 1 || p2.Outbound[0].Type != wire.TypeHave {
		t.Fatalf("expected the Have broadcast to reach p2, got %v", p2.Outbound)
	}
}

func TestBlockAvailableFailureReopensPiece(t *testing.T) {
	content := []byte("01234567")
	m := testMetainfo(t, content, 8)
	th := throttle.New(0, 0, 1<<20)
	have := bitfield.New(m.NumPieces())
	have.Set(0)
	tor := NewTorrent("t1", m, have, th)

	tor.Picker.Incomplete(0)
	have2 := tor.BlockAvailable(0, false)
	if have2 != nil {
		t.Fatal("expected no broadcast on a failed validation")
	}
	peerHas := bitfield.New(m.NumPieces())
	peerHas.Set(0)
	if idx, ok := tor.Picker.Pick(peerHas); !ok || idx != 0 {
		t.Fatalf("expected piece 0 to be pickable again after a failed validation, got %d ok=%v", idx, ok)
	}
}

func TestUpdateUnchokedRespectsSlotCount(t *testing.T) {
	m := testMetainfo(t, make([]byte, 64), 8)
	th := throttle.New(0, 0, 1<<20)
	tor := NewTorrent("t1", m, nil, th)

	for i := 0; i < 6; i++ {
		id := PeerID(fmt.Sprintf("peer-%d", i))
		p := NewPeer(id, tor.ID, "addr", m.NumPieces(), th.Throttle(i))
		p.DownloadedBytes = int64((6 - i) * 1000) // descending rate
		tor.AddPeer(p)
	}

	tor.UpdateUnchoked(time.Now().Add(time.Second), rand.New(rand.NewSource(1)))

	unchoked := 0
	for _, p := range tor.Peers {
		if !p.Local.Choked {
			unchoked++
		}
	}
	// UnchokeSlots top performers + exactly one optimistic slot.
	if unchoked != UnchokeSlots+1 {
		t.Fatalf("expected %d unchoked peers, got %d", UnchokeSlots+1, unchoked)
	}
}
