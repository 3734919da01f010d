// Package reactor implements the session core: the peer wire-protocol
// state machine (this file), the per-swarm Torrent aggregate, and the
// Control event loop, ported from original_source/src/torrent/peer/mod.rs
// and src/control.rs and generalized to Go's goroutine+channel model in
// place of the reference's epoll-style poller.
package reactor

import (
	"time"

	"github.com/example/syncore/bitfield"
	"github.com/example/syncore/rpcapi"
	"github.com/example/syncore/throttle"
	"github.com/example/syncore/wire"
)

// PeerID identifies a peer connection, unique for the life of the process.
type PeerID string

// TorrentID identifies a swarm; the session uses the lowercase-hex info
// hash, matching the persisted-state filename convention.
type TorrentID string

// Status is the choke/interest state one side holds about the other.
// Both sides start choked and not interested.
type Status struct {
	Choked     bool
	Interested bool
}

func newStatus() Status { return Status{Choked: true} }

// Peer owns one framed connection's protocol state. The connection itself
// (wire.Conn, reader/writer goroutines) is owned by the caller — Peer only
// tracks accounting and queues outbound messages; it never touches a
// socket directly, so it is safe to exercise from tests with no network.
type Peer struct {
	ID       PeerID
	TorrentID TorrentID
	Addr     string

	CID *[20]byte // set once the handshake arrives
	RSV *[8]byte

	Pieces bitfield.Bitfield
	Local  Status
	Remote Status
	Queued int

	Uploaded        int
	Downloaded      int
	UploadedBytes   int64
	DownloadedBytes int64
	lastFlush       time.Time

	Outbound []wire.Message // frames queued for the writer goroutine

	throttle    *throttle.Throttle
	dlThrottled bool // set when a download-bucket withdrawal was refused; cleared on rewake
}

// NewPeer constructs a Peer with both sides choked/uninterested, per the
// protocol's starting state.
func NewPeer(id PeerID, tid TorrentID, addr string, numPieces int, th *throttle.Throttle) *Peer {
	return &Peer{
		ID:        id,
		TorrentID: tid,
		Addr:      addr,
		Pieces:    bitfield.New(numPieces),
		Local:     newStatus(),
		Remote:    newStatus(),
		lastFlush: time.Now(),
		throttle:  th,
	}
}

// Ready reports whether the handshake has been received.
func (p *Peer) Ready() bool { return p.CID != nil }

// CanQueueRequest reports whether the picker may hand this peer another
// block: it must not be choking us, its pipeline must have slack, and the
// download bucket must not currently be refusing this peer's withdrawals.
func (p *Peer) CanQueueRequest() bool {
	return !p.Remote.Choked && p.Queued < wire.MaxPipeline && !p.dlThrottled
}

// ClearDLThrottle lifts a download-bucket refusal, called when the
// reactor's flush tick re-wakes this peer's throttle id.
func (p *Peer) ClearDLThrottle() { p.dlThrottled = false }

// HandleHandshake records the remote's advertised peer id and reserved
// bytes and, if the reserved bits advertise DHT support, queues a Port
// reply. Returns the RPC "extant" notice the caller should forward now
// that the peer is ready.
func (p *Peer) HandleHandshake(h wire.Handshake, dhtPort uint16) *rpcapi.PeerResource {
	if h.SpeaksDHT() {
		p.queueOutbound(wire.PortMsg(dhtPort))
	}
	rsv := h.Reserved
	cid := h.PeerID
	p.RSV = &rsv
	p.CID = &cid
	return p.rpcInfo()
}

func (p *Peer) rpcInfo() *rpcapi.PeerResource {
	if p.CID == nil {
		return nil
	}
	return &rpcapi.PeerResource{
		ID:        string(p.ID),
		TorrentID: string(p.TorrentID),
		ClientID:  string(p.CID[:]),
		IP:        p.Addr,
	}
}

// RPCRemovalNotice returns the peer ids to report removed over RPC, or nil
// if the peer never became ready (and so was never announced).
func (p *Peer) RPCRemovalNotice() []string {
	if !p.Ready() {
		return nil
	}
	return []string{string(p.ID)}
}

// HandleMessage applies one decoded incoming message to peer state. The
// numOurPieces argument is this peer's torrent's piece count, needed to
// validate Have and cap an incoming Bitfield.
func (p *Peer) HandleMessage(m wire.Message, numOurPieces int) error {
	switch m.Type {
	case wire.TypePiece, wire.TypeSharedPiece:
		p.DownloadedBytes += int64(len(m.Block))
		p.Downloaded++
		p.Queued--
		if p.throttle != nil && !p.throttle.GetBytesDL(len(m.Block)) {
			p.dlThrottled = true
		}
	case wire.TypeRequest:
		if p.Local.Choked {
			return protocolErr("peer requested a block while we were choking it")
		}
	case wire.TypeChoke:
		p.Remote.Choked = true
	case wire.TypeUnchoke:
		p.Remote.Choked = false
	case wire.TypeInterested:
		p.Remote.Interested = true
	case wire.TypeUninterested:
		p.Remote.Interested = false
	case wire.TypeHave:
		if int(m.Index) >= numOurPieces {
			return protocolErr("have referenced a piece index out of range")
		}
		p.Pieces.Set(int(m.Index))
	case wire.TypeBitfield:
		p.Pieces = m.Bits.Cap(numOurPieces)
	case wire.TypeKeepAlive:
		p.queueOutbound(wire.KeepAlive())
	case wire.TypeCancel:
		p.cancelOutbound(m.Index, m.Begin)
	case wire.TypePort:
		// Forwarded to the tracker worker as a DHT node hint by the
		// caller (Torrent.HandleMessage), which has the torrent context.
	}
	return nil
}

// cancelOutbound removes a queued Piece/SharedPiece matching (index,
// begin) only — length is deliberately ignored, matching the reference's
// retain-filter semantics.
func (p *Peer) cancelOutbound(index, begin uint32) {
	out := p.Outbound[:0]
	for _, m := range p.Outbound {
		if (m.Type == wire.TypePiece || m.Type == wire.TypeSharedPiece) && m.Index == index && m.Begin == begin {
			continue
		}
		out = append(out, m)
	}
	p.Outbound = out
}

func (p *Peer) queueOutbound(m wire.Message) {
	p.Outbound = append(p.Outbound, m)
}

// RequestPiece queues an outbound Request and increments the pipeline
// counter. Callers must check CanQueueRequest first.
func (p *Peer) RequestPiece(idx, begin, length uint32) {
	p.queueOutbound(wire.Request(idx, begin, length))
	p.Queued++
}

// Choke, Unchoke, Interested, Uninterested are idempotent send helpers:
// they no-op when the local bit already matches and otherwise flip the bit
// and queue the corresponding control message.
func (p *Peer) Choke() {
	if !p.Local.Choked {
		p.Local.Choked = true
		p.queueOutbound(wire.Choke())
	}
}

func (p *Peer) Unchoke() {
	if p.Local.Choked {
		p.Local.Choked = false
		p.queueOutbound(wire.Unchoke())
	}
}

func (p *Peer) Interested() {
	if !p.Local.Interested {
		p.Local.Interested = true
		p.queueOutbound(wire.Interested())
	}
}

func (p *Peer) Uninterested() {
	if p.Local.Interested {
		p.Local.Interested = false
		p.queueOutbound(wire.Uninterested())
	}
}

// SendPiece queues an outbound Piece (or SharedPiece, when shared is true
// because the same block is serving more than one upload queue) and
// updates upload accounting.
func (p *Peer) SendPiece(idx, begin uint32, block []byte, shared bool) {
	var m wire.Message
	if shared {
		m = wire.SharedPiece(idx, begin, block)
	} else {
		m = wire.Piece(idx, begin, block)
	}
	p.Uploaded++
	p.UploadedBytes += int64(len(block))
	p.queueOutbound(m)
}

// GetTxRates returns (upload, download) bytes/sec since the last call and
// resets the byte counters, per the reference's get_tx_rates.
func (p *Peer) GetTxRates(now time.Time) (ul, dl int64) {
	elapsedMs := now.Sub(p.lastFlush).Milliseconds()
	if elapsedMs <= 0 {
		elapsedMs = 1
	}
	ul = 1000 * p.UploadedBytes / elapsedMs
	dl = 1000 * p.DownloadedBytes / elapsedMs
	p.UploadedBytes = 0
	p.DownloadedBytes = 0
	p.lastFlush = now
	return ul, dl
}

// Throttle exposes the peer's shared rate-limit handle, used by
// Control.drainOutbound to admit outgoing Piece messages.
func (p *Peer) Throttle() *throttle.Throttle { return p.throttle }

// Close releases this peer's throttle handle. Call once, on removal.
func (p *Peer) Close() {
	if p.throttle != nil {
		p.throttle.Close()
	}
}
