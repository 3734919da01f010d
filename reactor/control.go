package reactor

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/example/syncore/metainfo"
	"github.com/example/syncore/rpcapi"
	"github.com/example/syncore/throttle"
	"github.com/example/syncore/wire"
)

// Maintenance cadences, per spec: tracker re-announce, unchoke recompute,
// and session persistence all run off one 1-second job timer but on their
// own independent deadlines.
const (
	trackerInterval = 60 * time.Second
	unchokeInterval = 1 * time.Second
	persistInterval = 1 * time.Second
)

// TrackerRequest/TrackerResponse, DiskRequest/DiskResponse mirror §6's
// worker contracts. The reactor only ever sends on *Req channels and
// receives on *Resp channels; the workers living in the tracker/disk
// packages own the other end.
type TrackerRequest struct {
	Announce *TrackerAnnounce
	AddNode  string
	Shutdown bool
}

type TrackerAnnounce struct {
	TorrentID TorrentID
	Info      *metainfo.Metainfo
	Event     string // "started", "stopped", "completed", or ""
}

type TrackerResponse struct {
	TorrentID TorrentID
	Peers     []string // addr strings
	Interval  time.Duration
	Err       error
}

type DiskRequest struct {
	Register   *DiskRegisterReq
	Unregister *DiskUnregisterReq
	Write      *DiskWriteReq
	Read       *DiskReadReq
	Validate   *DiskValidateReq
	Shutdown   bool
}

// DiskUnregisterReq tells the disk worker to drop its bookkeeping for a
// removed torrent. It never deletes files — only RemoveTorrent's caller
// (the RPC client) decides whether downloaded content should be deleted.
type DiskUnregisterReq struct {
	TorrentID TorrentID
}

// DiskRegisterReq tells the disk worker about a torrent it hasn't seen
// before, so it can preallocate files ahead of the first block arriving
// for it. Control sends one of these whenever a torrent is added, whether
// freshly (AddTorrent) or resumed from a session state file at startup.
type DiskRegisterReq struct {
	TorrentID  TorrentID
	Info       *metainfo.Metainfo
	ContentDir string
}

type DiskWriteReq struct {
	TorrentID TorrentID
	PieceIdx  int
	Offset    int64
	Bytes     []byte
}

type DiskReadReq struct {
	TorrentID TorrentID
	PieceIdx  int
	Offset    int64
	Length    int
	PeerID    PeerID
}

type DiskValidateReq struct {
	TorrentID TorrentID
	PieceIdx  int
	Hash      string
}

type DiskResponseKind int

const (
	DiskBlockRead DiskResponseKind = iota
	DiskValidated
	DiskErr
)

type DiskResponse struct {
	TorrentID TorrentID
	PeerID    PeerID
	Kind      DiskResponseKind
	PieceIdx  int
	Block     []byte
	Valid     bool
	Err       error
}

// PeerEvent is how per-connection goroutines hand decoded frames (or
// connection failures) back to the single Control goroutine. Source is
// the peer id; everything else is mutually exclusive.
type PeerEvent struct {
	PeerID     PeerID
	Handshake  *wire.Handshake
	Message    *wire.Message
	Err        error // connection dropped (IoError) if non-nil and Message/Handshake nil
}

// NewPeerRequest asks the reactor to register a freshly-dialed or
// freshly-accepted connection under a torrent. Send is the connection
// layer's outbox: Control enqueues wire.Message values queued on the
// registered Peer there every drain pass, never writing to the socket
// itself.
type NewPeerRequest struct {
	TorrentID TorrentID
	PeerID    PeerID
	Addr      string
	Send      chan<- wire.Message
}

// Env bundles the process-wide collaborators Control needs, modeling
// spec.md §9's "explicit Env passed through construction" guidance in
// place of process-wide mutable statics.
type Env struct {
	SessionDir            string
	DownloadDir           string
	DHTPort               uint16
	DefaultMaxBucketBytes int
	// DefaultULRate/DefaultDLRate seed the session throttler's buckets, in
	// bytes per millisecond; 0 means unlimited.
	DefaultULRate int
	DefaultDLRate int
	Logf          func(format string, args ...any)
}

// contentDirFor is the shared download root every torrent's files are
// written under; metainfo.FromBencodeData already roots every FileList
// entry at the torrent's own name, so no further per-torrent nesting is
// needed here.
func (c *Control) contentDirFor(info *metainfo.Metainfo) string {
	return c.env.DownloadDir
}

// Control is the session's single-goroutine reactor: the only code in the
// process that mutates Torrent/Peer/Picker/Throttler state. Ported from
// original_source/src/control.rs, with the epoll-style poller replaced by
// a Go select over channels.
type Control struct {
	env *Env

	trackerReq  chan<- TrackerRequest
	trackerResp <-chan TrackerResponse
	diskReq     chan<- DiskRequest
	diskResp    <-chan DiskResponse
	rpcReq      <-chan rpcapi.Request
	rpcResp     chan<- rpcapi.Response
	rpcCtl      chan<- rpcapi.CtlMessage
	newPeer     <-chan NewPeerRequest
	peerEvents  <-chan PeerEvent
	shutdown    chan struct{}

	throttler *throttle.Throttler
	rng       *rand.Rand

	torrents map[TorrentID]*Torrent
	peers    map[PeerID]TorrentID
	sends    map[PeerID]chan<- wire.Message

	// throttleIDs/peerByThrottle translate between a peer's process-unique
	// throttle id (what the throttle package's `throttled` sets record) and
	// its PeerID, so a flush-tick rewake can find the peer it refers to.
	// nextThrottleID is monotonic so a reused int (e.g. len(peers)) can
	// never collide with one still held by a live peer after a removal.
	throttleIDs    map[PeerID]int
	peerByThrottle map[int]PeerID
	nextThrottleID int

	trackerDeadlines map[TorrentID]time.Time
	lastUnchoke      time.Time
	lastPersist      time.Time
}

// ControlChannels groups the channel ends Control consumes; constructing
// them is the caller's (cmd/syncored's) job, since it also owns the other
// end of each.
type ControlChannels struct {
	TrackerReq  chan<- TrackerRequest
	TrackerResp <-chan TrackerResponse
	DiskReq     chan<- DiskRequest
	DiskResp    <-chan DiskResponse
	RPCReq      <-chan rpcapi.Request
	RPCResp     chan<- rpcapi.Response
	RPCCtl      chan<- rpcapi.CtlMessage
	NewPeer     <-chan NewPeerRequest
	PeerEvents  <-chan PeerEvent
}

// NewControl constructs a Control ready to Run.
func NewControl(env *Env, ch ControlChannels) *Control {
	return &Control{
		env:              env,
		trackerReq:       ch.TrackerReq,
		trackerResp:      ch.TrackerResp,
		diskReq:          ch.DiskReq,
		diskResp:         ch.DiskResp,
		rpcReq:           ch.RPCReq,
		rpcResp:          ch.RPCResp,
		rpcCtl:           ch.RPCCtl,
		newPeer:          ch.NewPeer,
		peerEvents:       ch.PeerEvents,
		shutdown:         make(chan struct{}),
		throttler:        throttle.New(env.DefaultDLRate, env.DefaultULRate, env.DefaultMaxBucketBytes),
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
		torrents:         make(map[TorrentID]*Torrent),
		peers:            make(map[PeerID]TorrentID),
		sends:            make(map[PeerID]chan<- wire.Message),
		throttleIDs:      make(map[PeerID]int),
		peerByThrottle:   make(map[int]PeerID),
		trackerDeadlines: make(map[TorrentID]time.Time),
	}
}

// Shutdown requests a cooperative stop; Run persists every torrent and
// returns once the current select iteration observes it.
func (c *Control) Shutdown() { close(c.shutdown) }

// Run is the event loop. It blocks until Shutdown is called or the
// process receives it via the RPC channel's Shutdown request.
func (c *Control) Run() {
	c.deserializeAll()

	throttleTick := time.NewTicker(throttle.URATE * time.Millisecond)
	flushTick := time.NewTicker(throttle.FlushInterval * time.Millisecond)
	jobTick := time.NewTicker(1 * time.Second)
	defer throttleTick.Stop()
	defer flushTick.Stop()
	defer jobTick.Stop()

	for {
		select {
		case <-c.shutdown:
			c.persistAll()
			c.trackerReq <- TrackerRequest{Shutdown: true}
			c.diskReq <- DiskRequest{Shutdown: true}
			return

		case tr := <-c.trackerResp:
			c.handleTrackerResponse(tr)

		case dr := <-c.diskResp:
			c.handleDiskResponse(dr)

		case req := <-c.rpcReq:
			if c.handleRPCRequest(req) {
				c.persistAll()
				c.trackerReq <- TrackerRequest{Shutdown: true}
				c.diskReq <- DiskRequest{Shutdown: true}
				return
			}

		case np := <-c.newPeer:
			c.handleNewPeer(np)

		case ev := <-c.peerEvents:
			c.handlePeerEvent(ev)

		case <-throttleTick.C:
			c.throttler.Update()

		case <-flushTick.C:
			c.flushThrottled()

		case <-jobTick.C:
			c.runMaintenance()
		}
		c.drainOutbound()
	}
}

// drainOutbound flushes every peer's queued Outbound messages to its
// connection-layer send channel, non-blocking: a peer whose outbox is
// full (a slow reader on the other end) keeps its unsent messages queued
// for the next pass rather than stalling the single reactor goroutine.
// A Piece/SharedPiece message additionally has to clear the upload bucket
// before it is admitted: a refusal leaves it (and everything queued behind
// it) for a later pass, once the flush tick rewakes this peer's id.
func (c *Control) drainOutbound() {
	for id, tid := range c.peers {
		tor, ok := c.torrents[tid]
		if !ok {
			continue
		}
		p, ok := tor.Peers[id]
		if !ok {
			continue
		}
		sendCh, ok := c.sends[id]
		if !ok {
			continue
		}
		n := 0
	drain:
		for n < len(p.Outbound) {
			m := p.Outbound[n]
			withdrawn := false
			if th := p.Throttle(); th != nil && (m.Type == wire.TypePiece || m.Type == wire.TypeSharedPiece) {
				if !th.GetBytesUL(len(m.Block)) {
					break drain
				}
				withdrawn = true
			}
			select {
			case sendCh <- m:
				n++
			default:
				if withdrawn {
					p.Throttle().RestoreBytesUL(len(m.Block))
				}
				break drain
			}
		}
		p.Outbound = p.Outbound[n:]
	}
}

func (c *Control) handleNewPeer(np NewPeerRequest) {
	tor, ok := c.torrents[np.TorrentID]
	if !ok {
		return
	}
	c.nextThrottleID++
	thID := c.nextThrottleID
	p := NewPeer(np.PeerID, np.TorrentID, np.Addr, tor.Info.NumPieces(), c.throttler.Throttle(thID))
	if err := tor.AddPeer(p); err != nil {
		return
	}
	c.peers[np.PeerID] = np.TorrentID
	c.throttleIDs[np.PeerID] = thID
	c.peerByThrottle[thID] = np.PeerID
	if np.Send != nil {
		c.sends[np.PeerID] = np.Send
	}
}

func (c *Control) handlePeerEvent(ev PeerEvent) {
	tid, ok := c.peers[ev.PeerID]
	if !ok {
		return // already removed; a late event from a dropped connection
	}
	tor := c.torrents[tid]

	if ev.Err != nil {
		c.removePeer(ev.PeerID)
		return
	}
	if ev.Handshake != nil {
		p := tor.Peers[ev.PeerID]
		notice := p.HandleHandshake(*ev.Handshake, c.env.DHTPort)
		if notice != nil {
			c.rpcCtl <- rpcapi.CtlMessage{Extant: []rpcapi.PeerResource{*notice}}
		}
		return
	}
	if ev.Message != nil {
		res, err := tor.HandleMessage(ev.PeerID, *ev.Message)
		if err != nil {
			c.removePeer(ev.PeerID)
			return
		}
		if res.TrackerNodeHint != "" {
			c.trackerReq <- TrackerRequest{AddNode: res.TrackerNodeHint}
		}
		if m := ev.Message; m.Type == wire.TypePiece || m.Type == wire.TypeSharedPiece {
			c.diskReq <- DiskRequest{Write: &DiskWriteReq{
				TorrentID: tid, PieceIdx: int(m.Index), Offset: int64(m.Begin), Bytes: m.Block,
			}}
		}
		if res.DiskRead != nil {
			c.diskReq <- DiskRequest{Read: &DiskReadReq{
				TorrentID: tid, PieceIdx: res.DiskRead.PieceIdx,
				Offset: res.DiskRead.Offset, Length: res.DiskRead.Length, PeerID: res.DiskRead.PeerID,
			}}
		}
		if res.NeedsValidate >= 0 {
			c.diskReq <- DiskRequest{Validate: &DiskValidateReq{
				TorrentID: tid, PieceIdx: res.NeedsValidate, Hash: tor.Info.Pieces[res.NeedsValidate],
			}}
		}
		tor.FillRequests(ev.PeerID, wire.BlockSize)
	}
}

// removePeer is idempotent-at-most-once: a missing entry in either index
// is a logic error per spec.md §4.1, surfaced here as a panic since it
// indicates reactor state has already diverged from its invariants.
func (c *Control) removePeer(id PeerID) {
	tid, ok := c.peers[id]
	if !ok {
		panic(fmt.Sprintf("reactor: remove_peer called for unknown peer %s", id))
	}
	delete(c.peers, id)
	delete(c.sends, id)
	if thID, ok := c.throttleIDs[id]; ok {
		delete(c.peerByThrottle, thID)
		delete(c.throttleIDs, id)
	}
	tor, ok := c.torrents[tid]
	if !ok {
		panic(fmt.Sprintf("reactor: torrent %s missing for peer %s", tid, id))
	}
	notice, err := tor.RemovePeer(id)
	if err != nil {
		panic(err)
	}
	if len(notice) > 0 {
		c.rpcCtl <- rpcapi.CtlMessage{Removed: notice}
	}
}

func (c *Control) flushThrottled() {
	for _, idStr := range c.throttler.FlushDL() {
		c.rewakePeer(idStr)
	}
	for _, idStr := range c.throttler.FlushUL() {
		c.rewakePeer(idStr)
	}
}

// rewakePeer re-polls a peer that had previously been refused tokens: it
// clears the download-side refusal (so CanQueueRequest admits it again)
// and re-runs FillRequests to queue whatever the picker now has for it.
// The upload side needs no extra action here — drainOutbound, called
// unconditionally after every Run() iteration including this flush tick,
// already retries any Piece/SharedPiece message left at the head of the
// peer's Outbound queue once its bucket has tokens again.
func (c *Control) rewakePeer(throttleID int) {
	pid, ok := c.peerByThrottle[throttleID]
	if !ok {
		return
	}
	tid, ok := c.peers[pid]
	if !ok {
		return
	}
	tor, ok := c.torrents[tid]
	if !ok {
		return
	}
	if p, ok := tor.Peers[pid]; ok {
		p.ClearDLThrottle()
	}
	tor.FillRequests(pid, wire.BlockSize)
}

func (c *Control) runMaintenance() {
	now := time.Now()
	if now.Sub(c.lastUnchoke) >= unchokeInterval {
		for _, tor := range c.torrents {
			if tor.State == StateActive {
				tor.UpdateUnchoked(now, c.rng)
			}
		}
		c.lastUnchoke = now
	}
	if now.Sub(c.lastPersist) >= persistInterval {
		c.persistAll()
		c.lastPersist = now
	}
	for tid, tor := range c.torrents {
		deadline := c.trackerDeadlines[tid]
		if now.After(deadline) && tor.State == StateActive {
			c.trackerReq <- TrackerRequest{Announce: &TrackerAnnounce{TorrentID: tid, Info: tor.Info}}
			c.trackerDeadlines[tid] = now.Add(trackerInterval)
		}
	}
	// No idle timeout is applied to peers: the connection layer sets no
	// read deadline once the handshake is done, so a silent peer is dropped
	// only when its socket reports an error, which reaches Control as an
	// ordinary PeerEvent with a non-nil Err.
}

// handleTrackerResponse records a fresh announce deadline. The peer
// addresses in tr.Peers are dialed by the connection layer (cmd/syncored),
// which registers each successful dial with a NewPeerRequest.
func (c *Control) handleTrackerResponse(tr TrackerResponse) {
	if _, ok := c.torrents[tr.TorrentID]; !ok {
		return
	}
	if tr.Err != nil {
		c.env.Logf("tracker: announce failed for %s: %v", tr.TorrentID, tr.Err)
		return
	}
	c.trackerDeadlines[tr.TorrentID] = time.Now().Add(tr.Interval)
}

func (c *Control) handleDiskResponse(dr DiskResponse) {
	tor, ok := c.torrents[dr.TorrentID]
	if !ok {
		return
	}
	switch dr.Kind {
	case DiskValidated:
		if have := tor.BlockAvailable(dr.PieceIdx, dr.Valid); have != nil {
			tor.Broadcast(*have)
		}
	case DiskBlockRead:
		if p, ok := tor.Peers[dr.PeerID]; ok {
			p.SendPiece(uint32(dr.PieceIdx), 0, dr.Block, false)
		}
	case DiskErr:
		c.env.Logf("disk: error on torrent %s piece %d: %v", dr.TorrentID, dr.PieceIdx, dr.Err)
	}
}

// AddTorrent registers a new torrent under its info hash. Returns false
// if a torrent with the same hash is already active.
func (c *Control) AddTorrent(info *metainfo.Metainfo) (TorrentID, bool) {
	tid := TorrentID(info.InfoHashHex())
	if _, exists := c.torrents[tid]; exists {
		return tid, false
	}
	tor := NewTorrent(tid, info, nil, c.throttler)
	c.torrents[tid] = tor
	c.trackerDeadlines[tid] = time.Now()
	c.diskReq <- DiskRequest{Register: &DiskRegisterReq{TorrentID: tid, Info: info, ContentDir: c.contentDirFor(info)}}
	return tid, true
}

// RemoveTorrent drops a torrent and every one of its peers.
func (c *Control) RemoveTorrent(tid TorrentID) bool {
	tor, ok := c.torrents[tid]
	if !ok {
		return false
	}
	for pid := range tor.Peers {
		delete(c.peers, pid)
		delete(c.sends, pid)
		if thID, ok := c.throttleIDs[pid]; ok {
			delete(c.peerByThrottle, thID)
			delete(c.throttleIDs, pid)
		}
	}
	delete(c.torrents, tid)
	delete(c.trackerDeadlines, tid)
	c.diskReq <- DiskRequest{Unregister: &DiskUnregisterReq{TorrentID: tid}}
	return true
}

func (c *Control) handleRPCRequest(req rpcapi.Request) (shutdown bool) {
	switch req.Kind {
	case rpcapi.ListTorrents:
		ids := make([]string, 0, len(c.torrents))
		for id := range c.torrents {
			ids = append(ids, string(id))
		}
		c.rpcResp <- rpcapi.Response{Kind: rpcapi.Torrents, IDs: ids}

	case rpcapi.TorrentInfo:
		if tor, ok := c.torrents[TorrentID(req.TorrentID)]; ok {
			c.rpcResp <- rpcapi.Response{Kind: rpcapi.TorrentInfoResponse, Info: tor.RPCInfo()}
		} else {
			c.rpcResp <- rpcapi.Response{Kind: rpcapi.Err, Error: "torrent id not found"}
		}

	case rpcapi.AddTorrent:
		m, err := metainfo.FromBytes(req.Bencode)
		if err != nil {
			c.rpcResp <- rpcapi.Response{Kind: rpcapi.Err, Error: err.Error()}
			break
		}
		c.AddTorrent(m)
		c.rpcResp <- rpcapi.Response{Kind: rpcapi.Ack}

	case rpcapi.PauseTorrent:
		if tor, ok := c.torrents[TorrentID(req.TorrentID)]; ok {
			tor.Pause()
			c.rpcResp <- rpcapi.Response{Kind: rpcapi.Ack}
		} else {
			c.rpcResp <- rpcapi.Response{Kind: rpcapi.Err, Error: "torrent not found"}
		}

	case rpcapi.ResumeTorrent:
		if tor, ok := c.torrents[TorrentID(req.TorrentID)]; ok {
			tor.Resume()
			c.rpcResp <- rpcapi.Response{Kind: rpcapi.Ack}
		} else {
			c.rpcResp <- rpcapi.Response{Kind: rpcapi.Err, Error: "torrent not found"}
		}

	case rpcapi.RemoveTorrent:
		if c.RemoveTorrent(TorrentID(req.TorrentID)) {
			c.rpcResp <- rpcapi.Response{Kind: rpcapi.Ack}
		} else {
			c.rpcResp <- rpcapi.Response{Kind: rpcapi.Err, Error: "torrent not found"}
		}

	case rpcapi.ThrottleUpload:
		c.throttler.SetULRate(req.ThrottleBytesMs)
		c.rpcResp <- rpcapi.Response{Kind: rpcapi.Ack}

	case rpcapi.ThrottleDownload:
		c.throttler.SetDLRate(req.ThrottleBytesMs)
		c.rpcResp <- rpcapi.Response{Kind: rpcapi.Ack}

	case rpcapi.Shutdown:
		return true
	}
	return false
}

// persistAll writes every torrent's resumable state to the session
// directory, atomically (write to a temp file, then rename).
func (c *Control) persistAll() {
	for _, tor := range c.torrents {
		if err := c.persistOne(tor); err != nil {
			c.env.Logf("persist: torrent %s: %v", tor.ID, err)
		}
	}
}

func (c *Control) persistOne(tor *Torrent) error {
	path := filepath.Join(c.env.SessionDir, string(tor.ID)+".state")
	data := SerializeState(tor)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// deserializeAll loads every *.state file under the session directory at
// startup. Per-file failures are logged, never fatal.
func (c *Control) deserializeAll() {
	entries, err := os.ReadDir(c.env.SessionDir)
	if err != nil {
		c.env.Logf("session: reading %s: %v", c.env.SessionDir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".state" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.env.SessionDir, entry.Name()))
		if err != nil {
			c.env.Logf("session: reading %s: %v", entry.Name(), err)
			continue
		}
		tid, info, have, err := DeserializeState(data)
		if err != nil {
			c.env.Logf("session: deserializing %s: %v", entry.Name(), err)
			continue
		}
		tor := NewTorrent(tid, info, have, c.throttler)
		c.torrents[tid] = tor
		c.trackerDeadlines[tid] = time.Now()
		c.diskReq <- DiskRequest{Register: &DiskRegisterReq{TorrentID: tid, Info: info, ContentDir: c.contentDirFor(info)}}
	}
}
