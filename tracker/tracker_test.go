package tracker

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/syncore/bencode"
	"github.com/example/syncore/metainfo"
	"github.com/example/syncore/reactor"
)

func testMetainfo(t *testing.T, announce string) *metainfo.Metainfo {
	t.Helper()
	info := map[string]interface{}{
		"name": "x.bin", "length": int64(16), "piece length": int64(8),
		"pieces": make([]byte, 20),
	}
	root := map[string]interface{}{"announce": announce, "info": info}
	raw := bencode.NewData(root).ToBytes()
	m, err := metainfo.FromBytes(raw)
	if err != nil {
		t.Fatalf("metainfo.FromBytes: %v", err)
	}
	return m
}

func TestHTTPAnnounceParsesCompactPeers(t *testing.T) {
	peerBytes := []byte{127, 0, 0, 1, 0x1A, 0xE1} // 127.0.0.1:6881
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"interval": int64(1800),
			"peers":    peerBytes,
			"complete": int64(3),
		}
		w.Write(bencode.NewData(resp).ToBytes())
	}))
	defer srv.Close()

	m := testMetainfo(t, srv.URL)
	a := NewHTTPAnnouncer(srv.URL)
	peers, interval, err := a.Announce(m, [20]byte{1}, 6881, "started")
	if err != nil {
		t.Fatal(err)
	}
	if interval != 1800*time.Second {
		t.Fatalf("expected interval 1800s, got %v", interval)
	}
	if len(peers) != 1 || peers[0] != "127.0.0.1:6881" {
		t.Fatalf("expected one compact peer 127.0.0.1:6881, got %v", peers)
	}
}

func TestHTTPAnnounceReportsFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{"failure reason": "not registered"}
		w.Write(bencode.NewData(resp).ToBytes())
	}))
	defer srv.Close()

	m := testMetainfo(t, srv.URL)
	a := NewHTTPAnnouncer(srv.URL)
	_, _, err := a.Announce(m, [20]byte{1}, 6881, "started")
	if err == nil {
		t.Fatal("expected an error for a tracker failure reason")
	}
}

// TestWorkerBackoffSuppressesImmediateRetry exercises the retry-state
// bookkeeping directly: a failed announce must not be retried before its
// backoff window elapses.
func TestWorkerBackoffSuppressesImmediateRetry(t *testing.T) {
	w := New([20]byte{1}, 6881, nil)
	reqCh := make(chan reactor.TrackerRequest, 4)
	respCh := make(chan reactor.TrackerResponse, 4)
	go w.Run(reqCh, respCh)

	m := testMetainfo(t, "http://127.0.0.1:1") // nothing listening -> connection refused
	reqCh <- reactor.TrackerRequest{Announce: &reactor.TrackerAnnounce{TorrentID: "t1", Info: m, Event: "started"}}

	select {
	case resp := <-respCh:
		if resp.Err == nil {
			t.Fatal("expected an error announcing to a closed port")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the failed announce response")
	}

	// A second announce issued immediately should be suppressed by backoff
	// and produce no response at all.
	reqCh <- reactor.TrackerRequest{Announce: &reactor.TrackerAnnounce{TorrentID: "t1", Info: m, Event: "started"}}
	select {
	case resp := <-respCh:
		t.Fatalf("expected the immediate retry to be suppressed by backoff, got %+v", resp)
	case <-time.After(300 * time.Millisecond):
	}

	reqCh <- reactor.TrackerRequest{Shutdown: true}
}
