package reactor

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/example/syncore/bitfield"
	"github.com/example/syncore/metainfo"
	"github.com/example/syncore/picker"
	"github.com/example/syncore/rpcapi"
	"github.com/example/syncore/throttle"
	"github.com/example/syncore/wire"
)

// State is the torrent's coarse lifecycle state.
type State int

const (
	StateActive State = iota
	StatePaused
	StateHashing
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateHashing:
		return "hashing"
	default:
		return "unknown"
	}
}

// UnchokeSlots is the number of peers kept unchoked by rate-rank, plus one
// optimistic slot chosen uniformly among the remainder.
const UnchokeSlots = 4

// DiskWrite/DiskRead/DiskValidate describe the disk work a Torrent's
// messages give rise to. A Torrent emits DiskRead itself (through
// HandleMessageResult); the reactor builds the write of an incoming block
// and the validation of a filled piece (HandleMessageResult.NeedsValidate)
// as DiskRequest values of its own, and does not use DiskWrite or
// DiskValidate. BlockAvailable below is how the disk worker's validation
// result re-enters the torrent.
type DiskWrite struct {
	PieceIdx int
	Offset   int64
	Bytes    []byte
}

type DiskRead struct {
	PieceIdx int
	Offset   int64
	Length   int
	PeerID   PeerID
}

type DiskValidate struct {
	PieceIdx     int
	ExpectedHash string
}

// Torrent is the per-swarm aggregate: it owns its peers and picker and is
// the only thing the reactor asks to mutate swarm state. Ported from
// original_source's Torrent + torrent/mod.rs surface (add_peer,
// remove_peer, peer_readable/writable, block_available, tracker/unchoke
// update, serialize) onto Go types.
type Torrent struct {
	ID     TorrentID
	Info   *metainfo.Metainfo
	Pieces bitfield.Bitfield // pieces we have
	Peers  map[PeerID]*Peer
	Picker *picker.Picker
	State  State

	TrackerDeadline time.Time

	throttler *throttle.Throttler
	logf      func(format string, args ...any)

	received      map[int]int64 // bytes accumulated so far per in-flight piece
	requestOffset map[int]int64 // next byte offset to request per in-flight piece
}

// NewTorrent constructs a Torrent from parsed metainfo, optionally seeded
// with an already-held bitfield (on resume).
func NewTorrent(id TorrentID, info *metainfo.Metainfo, have bitfield.Bitfield, throttler *throttle.Throttler) *Torrent {
	n := info.NumPieces()
	if have == nil {
		have = bitfield.New(n)
	}
	return &Torrent{
		ID:        id,
		Info:      info,
		Pieces:    have,
		Peers:     make(map[PeerID]*Peer),
		Picker:    picker.New(have, n),
		State:     StateActive,
		throttler: throttler,
		logf:          func(string, ...any) {},
		received:      make(map[int]int64),
		requestOffset: make(map[int]int64),
	}
}

// pieceLength returns the expected byte length of piece idx, accounting
// for a shorter final piece.
func (t *Torrent) pieceLength(idx int) int64 {
	if idx == t.Info.NumPieces()-1 {
		rem := t.Info.Length % t.Info.PieceLength
		if rem != 0 {
			return rem
		}
	}
	return t.Info.PieceLength
}

// SetLogger installs a log-line sink (normally a zerolog-bound closure).
func (t *Torrent) SetLogger(f func(format string, args ...any)) { t.logf = f }

// AddPeer registers a new connection, returning an error if a peer with
// the same id is already present (a programmer error — ids are unique per
// connection for the process lifetime).
func (t *Torrent) AddPeer(p *Peer) error {
	if _, exists := t.Peers[p.ID]; exists {
		return &PeerError{Kind: ErrLogic, Msg: fmt.Sprintf("peer %s already registered on torrent %s", p.ID, t.ID)}
	}
	t.Peers[p.ID] = p
	return nil
}

// RemovePeer drops a peer, releasing its throttle handle and returning an
// RPC removal notice if it had become ready. Removing an unknown id is a
// logic error: the reactor's peers index should never point at a torrent
// that doesn't have the peer.
func (t *Torrent) RemovePeer(id PeerID) ([]string, error) {
	p, ok := t.Peers[id]
	if !ok {
		return nil, &PeerError{Kind: ErrLogic, Msg: fmt.Sprintf("remove_peer: unknown peer %s", id)}
	}
	notice := p.RPCRemovalNotice()
	p.Close()
	delete(t.Peers, id)
	return notice, nil
}

// HandleMessageResult packages what a Torrent wants the reactor to do
// after applying an incoming message: a DHT node hint for the tracker
// worker, a block to forward to the disk worker, or a piece that just
// finished downloading and needs hash verification.
type HandleMessageResult struct {
	TrackerNodeHint string // non-empty: forward to tracker as AddNode
	DiskRead        *DiskRead
	NeedsValidate   int // -1 if no piece completed this call
}

// HandleMessage applies one decoded message from peer pid to both that
// peer's state and this torrent's aggregate state (Request forwarding to
// the disk worker, Port DHT hints, piece completion tracking). The caller
// drops the peer if an error is returned.
func (t *Torrent) HandleMessage(pid PeerID, m wire.Message) (HandleMessageResult, error) {
	res := HandleMessageResult{NeedsValidate: -1}
	p, ok := t.Peers[pid]
	if !ok {
		return res, &PeerError{Kind: ErrLogic, Msg: fmt.Sprintf("handle_message: unknown peer %s", pid)}
	}

	if err := p.HandleMessage(m, t.Info.NumPieces()); err != nil {
		return res, err
	}

	switch m.Type {
	case wire.TypeRequest:
		res.DiskRead = &DiskRead{PieceIdx: int(m.Index), Offset: int64(m.Begin), Length: int(m.Length), PeerID: pid}
	case wire.TypePort:
		addr := fmt.Sprintf("%s", p.Addr)
		res.TrackerNodeHint = withPort(addr, m.Port)
	case wire.TypePiece, wire.TypeSharedPiece:
		if t.blockCompletesPiece(int(m.Index), int64(len(m.Block))) {
			res.NeedsValidate = int(m.Index)
		}
	}
	return res, nil
}

// blockCompletesPiece accumulates bytes received for piece idx and
// reports whether this block was the one that filled it. The reactor
// reacts to a true result by asking the disk worker to validate the
// piece's hash before calling Picker.Completed.
func (t *Torrent) blockCompletesPiece(idx int, blockLen int64) bool {
	t.received[idx] += blockLen
	if t.received[idx] >= t.pieceLength(idx) {
		delete(t.received, idx)
		return true
	}
	return false
}

func withPort(addr string, port uint16) string {
	host := addr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			host = addr[:i]
			break
		}
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// BlockAvailable is called when the disk worker reports a validation
// result for a piece this torrent requested. On success it marks the
// piece complete in the picker and returns a Have(idx) to broadcast to
// every connected peer; on failure it reopens the piece for re-download.
func (t *Torrent) BlockAvailable(idx int, valid bool) *wire.Message {
	delete(t.requestOffset, idx)
	if valid {
		t.Pieces.Set(idx)
		t.Picker.Completed(uint32(idx))
		have := wire.Have(uint32(idx))
		return &have
	}
	t.Picker.Incomplete(uint32(idx))
	return nil
}

// FillRequests asks the picker for as many blocks as peer pid has slack
// to request, queuing Request messages until the pipeline is full, the
// picker has nothing left for this peer, or the current piece has already
// had every one of its blocks requested (the picker has no reservation
// concept of its own — see picker.Picker — so Torrent tracks the next
// unrequested byte offset per in-flight piece itself).
func (t *Torrent) FillRequests(pid PeerID, blockSize uint32) {
	p, ok := t.Peers[pid]
	if !ok || t.State == StatePaused {
		return
	}
	for p.CanQueueRequest() {
		idx, ok := t.Picker.Pick(p.Pieces)
		if !ok {
			return
		}
		offset := t.requestOffset[int(idx)]
		remaining := t.pieceLength(int(idx)) - offset
		if remaining <= 0 {
			return
		}
		length := blockSize
		if remaining < int64(blockSize) {
			length = uint32(remaining)
		}
		p.RequestPiece(idx, uint32(offset), length)
		t.requestOffset[int(idx)] = offset + int64(length)
	}
}

// Broadcast queues m on every connected peer.
func (t *Torrent) Broadcast(m wire.Message) {
	for _, p := range t.Peers {
		p.queueOutbound(m)
	}
}

// UpdateUnchoked implements the unchoke policy: rank peers by rolling
// download rate (upload rate while we're complete, i.e. seeding), keep the
// top UnchokeSlots unchoked plus one optimistic slot chosen uniformly at
// random among the rest, and choke everyone else. State changes only emit
// Choke/Unchoke as deltas, via Peer's idempotent send helpers.
func (t *Torrent) UpdateUnchoked(now time.Time, rng *rand.Rand) {
	type ranked struct {
		id   PeerID
		rate int64
	}
	seeding := t.Picker.Done()
	ranks := make([]ranked, 0, len(t.Peers))
	for id, p := range t.Peers {
		ul, dl := p.GetTxRates(now)
		rate := dl
		if seeding {
			rate = ul
		}
		ranks = append(ranks, ranked{id: id, rate: rate})
	}
	sort.Slice(ranks, func(i, j int) bool { return ranks[i].rate > ranks[j].rate })

	unchoke := make(map[PeerID]bool, UnchokeSlots+1)
	for i := 0; i < len(ranks) && i < UnchokeSlots; i++ {
		unchoke[ranks[i].id] = true
	}
	if rest := ranks[min(UnchokeSlots, len(ranks)):]; len(rest) > 0 {
		unchoke[rest[rng.Intn(len(rest))].id] = true
	}

	for id, p := range t.Peers {
		if unchoke[id] {
			p.Unchoke()
		} else {
			p.Choke()
		}
	}
}

// RPCInfo reports the current snapshot the RPC surface exposes for this
// torrent.
func (t *Torrent) RPCInfo() *rpcapi.TorrentInfoPayload {
	var downloaded int64
	for i := 0; i < t.Info.NumPieces(); i++ {
		if t.Pieces.Has(i) {
			downloaded += t.pieceLength(i)
		}
	}
	return &rpcapi.TorrentInfoPayload{
		Downloaded:  downloaded,
		ID:          string(t.ID),
		Name:        t.Info.Name,
		InfoHash:    t.Info.InfoHashHex(),
		State:       t.State.String(),
		Length:      t.Info.Length,
		NumPieces:   t.Info.NumPieces(),
		NumComplete: t.Pieces.Count(),
		NumPeers:    len(t.Peers),
	}
}

// Pause and Resume toggle the torrent's lifecycle state; the reactor skips
// request-filling and tracker announces for a paused torrent.
func (t *Torrent) Pause()  { t.State = StatePaused }
func (t *Torrent) Resume() { t.State = StateActive }
