package tracker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/example/syncore/metainfo"
)

// udpAnnouncer speaks BEP 15: a connect handshake establishes a short-lived
// connection id, then an announce request over the same UDP socket
// returns a compact peer list. Ported from the teacher's
// torrent/tracker_udp.go, generalized from a single fixed torrent/peer
// pair to the Announcer interface's per-call parameters; the connection id
// is re-acquired on every call rather than cached, since BEP 15 connection
// ids expire after two minutes and the reactor's tracker re-announce
// cadence is 60 seconds.
type udpAnnouncer struct {
	announceURL string
}

func NewUDPAnnouncer(announce string) Announcer {
	return &udpAnnouncer{announceURL: announce}
}

const (
	actionConnect  = 0
	actionAnnounce = 1

	udpProtocolID = 0x41727101980
)

var eventCodes = map[string]int32{
	"":          0,
	"completed": 1,
	"started":   2,
	"stopped":   3,
}

func (t *udpAnnouncer) Announce(info *metainfo.Metainfo, myPeerID [20]byte, myPort uint16, event string) ([]string, time.Duration, error) {
	u, err := url.Parse(t.announceURL)
	if err != nil {
		return nil, 0, err
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, 0, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(15 * time.Second))

	connID, err := connect(conn)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker udp: %s: connect: %w", t.announceURL, err)
	}
	peers, interval, err := announce(conn, connID, info, myPeerID, myPort, event)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker udp: %s: announce: %w", t.announceURL, err)
	}
	return peers, interval, nil
}

func connect(conn *net.UDPConn) (int64, error) {
	transactionID := rand.Int31()
	req := struct {
		ProtocolID  int64
		Action      int32
		Transaction int32
	}{ProtocolID: udpProtocolID, Action: actionConnect, Transaction: transactionID}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, req); err != nil {
		return 0, err
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return 0, err
	}

	resp := struct {
		Action       int32
		Transaction  int32
		ConnectionID int64
	}{}
	if err := binary.Read(conn, binary.BigEndian, &resp); err != nil {
		return 0, err
	}
	if resp.Transaction != transactionID {
		return 0, fmt.Errorf("transaction id mismatch")
	}
	if resp.Action != actionConnect {
		return 0, fmt.Errorf("unexpected action %d", resp.Action)
	}
	return resp.ConnectionID, nil
}

func announce(conn *net.UDPConn, connID int64, info *metainfo.Metainfo, myPeerID [20]byte, myPort uint16, event string) ([]string, time.Duration, error) {
	transactionID := rand.Int31()
	req := struct {
		ConnectionID int64
		Action       int32
		Transaction  int32
		InfoHash     [20]byte
		PeerID       [20]byte
		Downloaded   int64
		Left         int64
		Uploaded     int64
		Event        int32
		IP           int32
		Key          int32
		NumWant      int32
		Port         uint16
	}{
		ConnectionID: connID,
		Action:       actionAnnounce,
		Transaction:  transactionID,
		InfoHash:     info.InfoHash,
		PeerID:       myPeerID,
		Left:         info.Length,
		Event:        eventCodes[event],
		NumWant:      -1,
		Port:         myPort,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, req); err != nil {
		return nil, 0, err
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, 0, err
	}

	raw := make([]byte, 2048)
	n, err := conn.Read(raw)
	if err != nil {
		return nil, 0, err
	}
	raw = raw[:n]
	if len(raw) < 20 {
		return nil, 0, fmt.Errorf("short announce response (%d bytes)", len(raw))
	}

	resp := struct {
		Action      int32
		Transaction int32
		Interval    int32
		Leechers    int32
		Seeders     int32
	}{}
	if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &resp); err != nil {
		return nil, 0, err
	}
	if resp.Transaction != transactionID {
		return nil, 0, fmt.Errorf("transaction id mismatch")
	}
	if resp.Action != actionAnnounce {
		return nil, 0, fmt.Errorf("unexpected action %d", resp.Action)
	}

	var peers []string
	compact := raw[20:]
	for len(compact) >= 6 {
		ip := net.IPv4(compact[0], compact[1], compact[2], compact[3])
		port := uint16(compact[4])<<8 | uint16(compact[5])
		peers = append(peers, fmt.Sprintf("%s:%d", ip.String(), port))
		compact = compact[6:]
	}
	return peers, time.Duration(resp.Interval) * time.Second, nil
}
