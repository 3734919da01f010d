// Package rpcapi defines the message contract between the reactor and the
// external control surface (the websocket RPC server in rpcapi/wsserver
// and the syncli client), ported from the teacher's CLI/DB surface and
// generalized per original_source/sycli & src/rpc.
package rpcapi

// Request is sent by an RPC client and consumed by the reactor's control
// channel.
type Request struct {
	Kind            RequestKind
	TorrentID       string // for TorrentInfo/PauseTorrent/ResumeTorrent/RemoveTorrent
	Bencode         []byte // for AddTorrent
	ThrottleBytesMs int    // for ThrottleUpload/ThrottleDownload
}

type RequestKind int

const (
	ListTorrents RequestKind = iota
	TorrentInfo
	AddTorrent
	PauseTorrent
	ResumeTorrent
	RemoveTorrent
	ThrottleUpload
	ThrottleDownload
	Shutdown
)

// Response is the reactor's reply to a Request.
type Response struct {
	Kind  ResponseKind
	IDs   []string
	Info  *TorrentInfoPayload
	Error string
}

type ResponseKind int

const (
	Torrents ResponseKind = iota
	TorrentInfoResponse
	Ack
	Err
)

// TorrentInfoPayload is the snapshot a torrent reports via rpc_info().
type TorrentInfoPayload struct {
	ID          string
	Name        string
	InfoHash    string
	State       string
	Length      int64
	Downloaded  int64
	Uploaded    int64
	NumPieces   int
	NumComplete int
	NumPeers    int
	ULRateBps   int64
	DLRateBps   int64
}

// CtlMessage is an unsolicited notice the reactor pushes to connected RPC
// clients (as opposed to a Response to a specific Request).
type CtlMessage struct {
	Extant  []PeerResource
	Removed []string
}

// PeerResource is the subset of peer state exposed over RPC when a peer
// becomes ready (i.e. completes its handshake).
type PeerResource struct {
	ID       string
	TorrentID string
	ClientID string
	IP       string
	RateUp   int64
	RateDown int64
}
