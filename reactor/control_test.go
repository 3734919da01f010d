package reactor

import (
	"testing"
	"time"

	"github.com/example/syncore/rpcapi"
)

func testEnv(t *testing.T) *Env {
	t.Helper()
	return &Env{
		SessionDir:            t.TempDir(),
		DHTPort:               6881,
		DefaultMaxBucketBytes: 1 << 20,
		Logf:                  func(string, ...any) {},
	}
}

func testChannels() (ControlChannels, chan TrackerRequest, chan DiskRequest, chan rpcapi.Request, chan rpcapi.Response) {
	trackerReq := make(chan TrackerRequest, 8)
	diskReq := make(chan DiskRequest, 8)
	rpcReq := make(chan rpcapi.Request, 8)
	rpcResp := make(chan rpcapi.Response, 8)
	ch := ControlChannels{
		TrackerReq:  trackerReq,
		TrackerResp: make(chan TrackerResponse, 8),
		DiskReq:     diskReq,
		DiskResp:    make(chan DiskResponse, 8),
		RPCReq:      rpcReq,
		RPCResp:     rpcResp,
		RPCCtl:      make(chan rpcapi.CtlMessage, 8),
		NewPeer:     make(chan NewPeerRequest, 8),
		PeerEvents:  make(chan PeerEvent, 8),
	}
	return ch, trackerReq, diskReq, rpcReq, rpcResp
}

// TestAddRemoveTorrentDirect exercises Control's torrent registry without
// going through the event loop, through the synchronous AddTorrent/
// RemoveTorrent API the RPC request handlers call.
func TestAddRemoveTorrentDirect(t *testing.T) {
	ch, _, _, _, _ := testChannels()
	c := NewControl(testEnv(t), ch)

	m := testMetainfo(t, []byte("0123456789abcdef"), 8)
	tid, added := c.AddTorrent(m)
	if !added {
		t.Fatal("expected the first AddTorrent to succeed")
	}
	if _, added := c.AddTorrent(m); added {
		t.Fatal("expected a duplicate AddTorrent to be rejected")
	}
	if !c.RemoveTorrent(tid) {
		t.Fatal("expected RemoveTorrent to find the torrent just added")
	}
	if c.RemoveTorrent(tid) {
		t.Fatal("expected a second RemoveTorrent to report not-found")
	}
}

// TestRunRespondsToListTorrentsAndShutdown exercises the event loop itself:
// start Run in a goroutine, drive it over the RPC channel, and confirm it
// exits cleanly on a Shutdown request.
func TestRunRespondsToListTorrentsAndShutdown(t *testing.T) {
	ch, trackerReq, diskReq, rpcReq, rpcResp := testChannels()
	c := NewControl(testEnv(t), ch)

	m := testMetainfo(t, []byte("01234567"), 8)
	c.AddTorrent(m)

	// AddTorrent queues a disk Register request ahead of anything Run
	// itself will send; drain it before asserting on the shutdown request.
	select {
	case req := <-diskReq:
		if req.Register == nil {
			t.Fatalf("expected a disk Register request from AddTorrent, got %+v", req)
		}
	default:
		t.Fatal("expected AddTorrent to have queued a disk Register request")
	}

	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	rpcReq <- rpcapi.Request{Kind: rpcapi.ListTorrents}
	select {
	case resp := <-rpcResp:
		if resp.Kind != rpcapi.Torrents || len(resp.IDs) != 1 {
			t.Fatalf("expected one torrent id listed, got %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ListTorrents response")
	}

	rpcReq <- rpcapi.Request{Kind: rpcapi.Shutdown}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to exit after Shutdown")
	}

	// Run's shutdown path notifies both workers before returning.
	select {
	case req := <-trackerReq:
		if !req.Shutdown {
			t.Fatalf("expected a Shutdown tracker request, got %+v", req)
		}
	default:
		t.Fatal("expected a tracker shutdown request to be queued")
	}
	select {
	case req := <-diskReq:
		if !req.Shutdown {
			t.Fatalf("expected a Shutdown disk request, got %+v", req)
		}
	default:
		t.Fatal("expected a disk shutdown request to be queued")
	}
}
