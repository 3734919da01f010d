package reactor

import (
	"testing"

	"github.com/example/syncore/throttle"
	"github.com/example/syncore/wire"
)

func testThrottle() *throttle.Throttle {
	return throttle.New(0, 0, 1<<20).Throttle(1)
}

// TestCancelRemovesQueuedPiece is scenario 2: a Cancel removes the
// matching not-yet-sent Piece from the outbound queue by (index, begin)
// only, leaving everything else — including an unrelated KeepAlive — in
// place and in order.
func TestCancelRemovesQueuedPiece(t *testing.T) {
	p := NewPeer("p1", "t1", "127.0.0.1:6881", 8, testThrottle())
	p.Local.Choked = false

	p.queueOutbound(wire.KeepAlive())
	p.SendPiece(0, 0, make([]byte, 16384), false)
	p.SendPiece(1, 1, make([]byte, 16384), false)
	p.SendPiece(2, 2, make([]byte, 16384), false)

	if err := p.HandleMessage(wire.Cancel(1, 1, 16384), 8); err != nil {
		t.Fatalf("HandleMessage(Cancel) returned error: %v", err)
	}

	if len(p.Outbound) != 3 {
		t.Fatalf("expected 3 outbound messages after cancel, got %d", len(p.Outbound))
	}
	if p.Outbound[0].Type != wire.TypeKeepAlive {
		t.Fatalf("expected KeepAlive preserved first, got %v", p.Outbound[0].Type)
	}
	if p.Outbound[1].Index != 0 || p.Outbound[2].Index != 2 {
		t.Fatalf("expected pieces 0 and 2 to remain, got indices %d and %d", p.Outbound[1].Index, p.Outbound[2].Index)
	}
}

// TestRequestWhileChokedIsProtocolError is scenario 3.
func TestRequestWhileChokedIsProtocolError(t *testing.T) {
	p := NewPeer("p1", "t1", "127.0.0.1:6881", 8, testThrottle())
	// Local.Choked defaults to true.
	err := p.HandleMessage(wire.Request(0, 0, 16384), 8)
	if err == nil {
		t.Fatal("expected an error for a request received while locally choking the peer")
	}
	if !IsProtocolError(err) {
		t.Fatalf("expected a protocol error, got %v", err)
	}
}

// TestHaveOutOfRangeIsProtocolError is scenario 4.
func TestHaveOutOfRangeIsProtocolError(t *testing.T) {
	p := NewPeer("p1", "t1", "127.0.0.1:6881", 100, testThrottle())
	err := p.HandleMessage(wire.Have(100), 100)
	if !IsProtocolError(err) {
		t.Fatalf("expected a protocol error for have(100) against a 100-piece torrent, got %v", err)
	}
}

// TestQueuedNeverExceedsFive is property P7, exercised across an
// interleaving of RequestPiece calls and incoming Piece messages.
func TestQueuedNeverExceedsFive(t *testing.T) {
	p := NewPeer("p1", "t1", "127.0.0.1:6881", 16, testThrottle())
	p.Remote.Choked = false

	for i := 0; i < 5; i++ {
		if !p.CanQueueRequest() {
			t.Fatalf("expected slack for request %d", i)
		}
		p.RequestPiece(uint32(i), 0, wire.BlockSize)
	}
	if p.CanQueueRequest() {
		t.Fatal("expected no slack once 5 requests are in flight")
	}
	if p.Queued != 5 {
		t.Fatalf("expected Queued == 5, got %d", p.Queued)
	}

	// A Piece arrives, freeing one slot.
	if err := p.HandleMessage(wire.Piece(0, 0, make([]byte, wire.BlockSize)), 16); err != nil {
		t.Fatal(err)
	}
	if p.Queued != 4 {
		t.Fatalf("expected Queued == 4 after one piece arrived, got %d", p.Queued)
	}
	if !p.CanQueueRequest() {
		t.Fatal("expected slack to reopen after a piece arrived")
	}
	p.RequestPiece(5, 0, wire.BlockSize)
	if p.Queued != 5 {
		t.Fatalf("expected Queued == 5 again, got %d", p.Queued)
	}
}

func TestChokeUnchokeIdempotent(t *testing.T) {
	p := NewPeer("p1", "t1", "addr", 4, testThrottle())
	p.Unchoke() // already choked by default -> flips and emits
	if len(p.Outbound) != 1 || p.Outbound[0].Type != wire.TypeUnchoke {
		t.Fatalf("expected a single Unchoke message queued, got %v", p.Outbound)
	}
	p.Unchoke() // already unchoked -> no-op
	if len(p.Outbound) != 1 {
		t.Fatalf("expected Unchoke to be idempotent, got %d messages", len(p.Outbound))
	}
}

func TestHandshakeRecordsIdentityAndDHT(t *testing.T) {
	p := NewPeer("p1", "t1", "addr", 4, testThrottle())
	var h wire.Handshake
	h.Reserved[wire.DHTExt.Byte] = wire.DHTExt.Bit
	h.PeerID = [20]byte{1, 2, 3}

	info := p.HandleHandshake(h, 6881)
	if info == nil {
		t.Fatal("expected an RPC extant notice once the handshake completes")
	}
	if !p.Ready() {
		t.Fatal("expected Ready() once CID is set")
	}
	found := false
	for _, m := range p.Outbound {
		if m.Type == wire.TypePort && m.Port == 6881 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a Port reply queued for a DHT-capable handshake")
	}
}

func TestRPCRemovalNoticeOnlyIfReady(t *testing.T) {
	p := NewPeer("p1", "t1", "addr", 4, testThrottle())
	if notice := p.RPCRemovalNotice(); notice != nil {
		t.Fatalf("expected no removal notice for a peer that never became ready, got %v", notice)
	}
	var h wire.Handshake
	p.HandleHandshake(h, 6881)
	if notice := p.RPCRemovalNotice(); notice == nil {
		t.Fatal("expected a removal notice once the peer had become ready")
	}
}
