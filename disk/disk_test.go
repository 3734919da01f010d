package disk

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/syncore/bencode"
	"github.com/example/syncore/metainfo"
	"github.com/example/syncore/reactor"
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
		"name": "x.bin", "length": int64(len(content)),
		"piece length": pieceLength, "pieces": pieces,
	}
	root := map[string]interface{}{"announce": "http://t", "info": info}
	raw := bencode.NewData(root).ToBytes()
	m, err := metainfo.FromBytes(raw)
	if err != nil {
		t.Fatalf("metainfo.FromBytes: %v", err)
	}
	return m
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	content := []byte("0123456789abcdef") // 2 pieces of 8 bytes
	m := testMetainfo(t, content, 8)
	dir := t.TempDir()

	w := New(nil)
	if err := w.RegisterTorrent("t1", m, dir); err != nil {
		t.Fatal(err)
	}

	reqCh := make(chan reactor.DiskRequest, 8)
	respCh := make(chan reactor.DiskResponse, 8)
	go w.Run(reqCh, respCh)

	reqCh <- reactor.DiskRequest{Write: &reactor.DiskWriteReq{TorrentID: "t1", PieceIdx: 0, Offset: 0, Bytes: content[0:8]}}
	reqCh <- reactor.DiskRequest{Write: &reactor.DiskWriteReq{TorrentID: "t1", PieceIdx: 1, Offset: 0, Bytes: content[8:16]}}
	reqCh <- reactor.DiskRequest{Read: &reactor.DiskReadReq{TorrentID: "t1", PieceIdx: 0, Offset: 0, Length: 8, PeerID: "p1"}}
	reqCh <- reactor.DiskRequest{Validate: &reactor.DiskValidateReq{TorrentID: "t1", PieceIdx: 1, Hash: m.Pieces[1]}}
	reqCh <- reactor.DiskRequest{Shutdown: true}

	var gotRead, gotValidate bool
	for i := 0; i < 2; i++ {
		resp := <-respCh
		switch resp.Kind {
		case reactor.DiskBlockRead:
			gotRead = true
			if string(resp.Block) != "01234567" {
				t.Fatalf("expected the first piece's bytes back, got %q", resp.Block)
			}
		case reactor.DiskValidated:
			gotValidate = true
			if !resp.Valid {
				t.Fatal("expected piece 1 to validate against its recorded hash")
			}
		}
	}
	if !gotRead || !gotValidate {
		t.Fatalf("expected both a read and a validate response, got read=%v validate=%v", gotRead, gotValidate)
	}

	onDisk, err := os.ReadFile(filepath.Join(dir, "x.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(onDisk) != string(content) {
		t.Fatalf("expected file contents %q, got %q", content, onDisk)
	}
}

func TestValidateDetectsCorruption(t *testing.T) {
	content := []byte("aaaaaaaa")
	m := testMetainfo(t, content, 8)
	dir := t.TempDir()

	w := New(nil)
	if err := w.RegisterTorrent("t1", m, dir); err != nil {
		t.Fatal(err)
	}
	reqCh := make(chan reactor.DiskRequest, 4)
	respCh := make(chan reactor.DiskResponse, 4)
	go w.Run(reqCh, respCh)

	reqCh <- reactor.DiskRequest{Write: &reactor.DiskWriteReq{TorrentID: "t1", PieceIdx: 0, Offset: 0, Bytes: []byte("bbbbbbbb")}}
	reqCh <- reactor.DiskRequest{Validate: &reactor.DiskValidateReq{TorrentID: "t1", PieceIdx: 0, Hash: m.Pieces[0]}}
	reqCh <- reactor.DiskRequest{Shutdown: true}

	resp := <-respCh
	if resp.Kind != reactor.DiskValidated || resp.Valid {
		t.Fatalf("expected a failed validation for corrupted content, got %+v", resp)
	}
}
