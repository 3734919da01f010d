package tracker

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/example/syncore/bencode"
	"github.com/example/syncore/metainfo"
)

// httpAnnouncer speaks the HTTP/HTTPS tracker protocol: a bencoded GET
// request, a bencoded dictionary response. Ported from the teacher's
// torrent/tracker_http.go, generalized from a single fixed torrent/peer
// pair to the Announcer interface's per-call parameters.
type httpAnnouncer struct {
	announceURL string
	client      *resty.Client
}

// NewHTTPAnnouncer constructs an Announcer for an http(s):// tracker URL.
func NewHTTPAnnouncer(announce string) Announcer {
	return &httpAnnouncer{announceURL: announce, client: resty.New()}
}

func (t *httpAnnouncer) Announce(info *metainfo.Metainfo, myPeerID [20]byte, myPort uint16, event string) ([]string, time.Duration, error) {
	resp, err := t.client.R().
		SetQueryParam("info_hash", string(info.InfoHash[:])).
		SetQueryParam("peer_id", string(myPeerID[:])).
		SetQueryParam("port", fmt.Sprintf("%d", myPort)).
		SetQueryParam("uploaded", "0").
		SetQueryParam("downloaded", "0").
		SetQueryParam("left", fmt.Sprintf("%d", info.Length)).
		SetQueryParam("event", event).
		SetQueryParam("compact", "1").
		Get(t.announceURL)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker http: %s: %w", t.announceURL, err)
	}
	if resp.StatusCode() != 200 {
		return nil, 0, fmt.Errorf("tracker http: %s: status %d", t.announceURL, resp.StatusCode())
	}

	decoded, _, err := bencode.Decode(resp.Body())
	if err != nil {
		return nil, 0, fmt.Errorf("tracker http: %s: decoding response: %w", t.announceURL, err)
	}
	dict := decoded.AsDict()

	if reason, ok := dict["failure reason"]; ok {
		return nil, 0, fmt.Errorf("tracker http: %s: %s", t.announceURL, reason.AsString())
	}

	interval := time.Duration(decoded.GetInt("interval", 1800)) * time.Second

	var peers []string
	if peersData, ok := dict["peers"]; ok {
		switch peersData.Type {
		case bencode.STRING:
			raw := peersData.AsBytes()
			for i := 0; i+6 <= len(raw); i += 6 {
				port := uint16(raw[i+4])<<8 | uint16(raw[i+5])
				peers = append(peers, fmt.Sprintf("%d.%d.%d.%d:%d", raw[i], raw[i+1], raw[i+2], raw[i+3], port))
			}
		case bencode.LIST:
			for _, p := range peersData.AsList() {
				pd := p.AsDict()
				peers = append(peers, fmt.Sprintf("%s:%d", pd["ip"].AsString(), pd["port"].AsInt()))
			}
		}
	}
	return peers, interval, nil
}
