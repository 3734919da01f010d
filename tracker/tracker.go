// Package tracker implements the session's tracker worker: it announces to
// each torrent's trackers (HTTP/HTTPS via bencoded GET, UDP via BEP 15) on
// its own goroutine and reports discovered peer addresses back to
// reactor.Control purely over the TrackerRequest/TrackerResponse channel
// contract, with capped exponential backoff between retries against a
// tracker that just failed. DHT node hints arriving from Control are only
// logged.
//
// Ported from the teacher's torrent/tracker.go (the ITracker interface
// and protocol dispatch by announce-URL scheme), torrent/tracker_http.go
// (go-resty/resty + bencode GET announce), and torrent/tracker_udp.go
// (BEP 15 connect/announce/scrape over a raw UDP socket).
package tracker

import (
	"fmt"
	"net/url"
	"time"

	"github.com/example/syncore/metainfo"
	"github.com/example/syncore/reactor"
)

// Announcer is one tracker's protocol client. HTTP and UDP trackers both
// implement it; Worker dispatches on the announce URL's scheme exactly as
// the teacher's NewTracker does.
type Announcer interface {
	Announce(info *metainfo.Metainfo, myPeerID [20]byte, myPort uint16, event string) ([]string, time.Duration, error)
}

// NewAnnouncer picks an Announcer implementation by announce URL scheme.
func NewAnnouncer(announce string) (Announcer, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https", "":
		return NewHTTPAnnouncer(announce), nil
	case "udp":
		return NewUDPAnnouncer(announce), nil
	default:
		return nil, fmt.Errorf("tracker: unsupported announce scheme %q", u.Scheme)
	}
}

// retryState tracks capped exponential backoff for one torrent's
// trackers, so a tracker that just failed isn't hammered every job tick.
type retryState struct {
	failures  int
	nextRetry time.Time
}

const (
	baseBackoff = 5 * time.Second
	maxBackoff  = 30 * time.Minute
)

func (r *retryState) recordFailure(now time.Time) {
	r.failures++
	backoff := baseBackoff << uint(min(r.failures, 10))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	r.nextRetry = now.Add(backoff)
}

func (r *retryState) recordSuccess() {
	r.failures = 0
	r.nextRetry = time.Time{}
}

func (r *retryState) ready(now time.Time) bool {
	return now.After(r.nextRetry)
}

// Worker is the tracker goroutine's state: a cache of Announcer clients
// per announce URL and this peer's own identity (peer id and port), which
// every announce needs.
type Worker struct {
	MyPeerID [20]byte
	MyPort   uint16

	announcers map[string]Announcer
	backoff    map[reactor.TorrentID]*retryState
	logf       func(format string, args ...any)
}

// New constructs a Worker. myPeerID should be the 20-byte client id
// advertised in every handshake and announce.
func New(myPeerID [20]byte, myPort uint16, logf func(format string, args ...any)) *Worker {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Worker{
		MyPeerID:   myPeerID,
		MyPort:     myPort,
		announcers: make(map[string]Announcer),
		backoff:    make(map[reactor.TorrentID]*retryState),
		logf:       logf,
	}
}

// Run services requests from reqCh until a Shutdown request arrives or
// reqCh closes. Each Announce request blocks the worker goroutine for the
// duration of the HTTP/UDP round trip — multiple torrents' announces are
// therefore serialized, matching the teacher's one-tracker-at-a-time
// GetPeers call; Control never blocks on it since it only waits on a
// channel send.
func (w *Worker) Run(reqCh <-chan reactor.TrackerRequest, respCh chan<- reactor.TrackerResponse) {
	for req := range reqCh {
		if req.Shutdown {
			return
		}
		if req.AddNode != "" {
			// DHT node hints are not acted upon without a DHT client in
			// this build; logged for operator visibility only.
			w.logf("tracker: DHT node hint %s (no DHT client wired)", req.AddNode)
			continue
		}
		if req.Announce != nil {
			w.handleAnnounce(*req.Announce, respCh)
		}
	}
}

func (w *Worker) handleAnnounce(a reactor.TrackerAnnounce, respCh chan<- reactor.TrackerResponse) {
	now := time.Now()
	state, ok := w.backoff[a.TorrentID]
	if !ok {
		state = &retryState{}
		w.backoff[a.TorrentID] = state
	}
	if !state.ready(now) {
		return
	}

	var lastErr error
	for _, announce := range a.Info.AnnounceList {
		ann, err := w.announcerFor(announce)
		if err != nil {
			lastErr = err
			continue
		}
		peers, interval, err := ann.Announce(a.Info, w.MyPeerID, w.MyPort, a.Event)
		if err != nil {
			lastErr = err
			continue
		}
		state.recordSuccess()
		respCh <- reactor.TrackerResponse{TorrentID: a.TorrentID, Peers: peers, Interval: interval}
		return
	}
	state.recordFailure(now)
	if lastErr == nil {
		lastErr = fmt.Errorf("tracker: no announce URL succeeded for %s", a.TorrentID)
	}
	respCh <- reactor.TrackerResponse{TorrentID: a.TorrentID, Err: lastErr}
}

func (w *Worker) announcerFor(announce string) (Announcer, error) {
	if a, ok := w.announcers[announce]; ok {
		return a, nil
	}
	a, err := NewAnnouncer(announce)
	if err != nil {
		return nil, err
	}
	w.announcers[announce] = a
	return a, nil
}
