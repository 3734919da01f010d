package wire

import (
	"bufio"
	"net"
	"time"
)

// handshakeTimeout bounds how long a dial or accept waits for the other
// side's handshake before giving up, matching the 10s connect/handshake
// budget the teacher's downloadPieceFromPeers uses per peer attempt.
const handshakeTimeout = 10 * time.Second

// Conn wraps a peer socket with a buffered reader, so ReadMessage never
// re-reads past a frame boundary looking for the next one.
type Conn struct {
	net.Conn
	r *bufio.Reader
}

// Dial opens a TCP connection to addr. It does not perform the handshake;
// callers drive that explicitly so they can apply their own timeout and
// compare the returned info hash against the torrent they're dialing for.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: c, r: bufio.NewReader(c)}, nil
}

// WrapAccepted adapts a listener-accepted net.Conn into a Conn.
func WrapAccepted(c net.Conn) *Conn {
	return &Conn{Conn: c, r: bufio.NewReader(c)}
}

// Handshake writes h and reads the remote's handshake in return, bounded
// by handshakeTimeout. Used by both the dialing and accepting sides.
func (c *Conn) Handshake(h Handshake) (Handshake, error) {
	c.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.SetDeadline(time.Time{})

	if _, err := c.Write(h.Encode()); err != nil {
		return Handshake{}, err
	}
	return ReadHandshake(c.r)
}

// ReadPeerHandshake reads (without sending) a handshake, for the accepting
// side, which replies only after checking the offered info hash.
func (c *Conn) ReadPeerHandshake() (Handshake, error) {
	c.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer c.SetReadDeadline(time.Time{})
	return ReadHandshake(c.r)
}

// SendHandshake writes a handshake without waiting for a reply.
func (c *Conn) SendHandshake(h Handshake) error {
	_, err := c.Write(h.Encode())
	return err
}

// ReadMessage reads the next framed message, blocking until a full frame
// or a socket error arrives. No read deadline is applied here: the
// keep-alive cadence and overall staleness detection are the caller's
// concern (spec's connection layer), not this framing primitive.
func (c *Conn) ReadMessage() (Message, error) {
	return ReadMessage(c.r)
}

// WriteMessage writes one framed message.
func (c *Conn) WriteMessage(m Message) error {
	_, err := c.Write(Encode(m))
	return err
}

// Event is a decoded frame or connection failure, tagged with whichever
// peer identifier the caller assigned at dial/accept time. It carries no
// reference to reactor state — only the owning connection-layer code
// (cmd/syncored) knows how to turn one of these into a reactor.PeerEvent.
type Event struct {
	PeerID    string
	Handshake *Handshake
	Message   *Message
	Err       error
}

// Serve drives one peer connection: it emits exactly one Handshake event
// (if hs is non-nil, meaning the handshake was already exchanged by the
// caller) followed by a stream of Message/Err events, and sends any
// message arriving on outbox to the peer. It returns only when the
// connection fails or outbox is closed; the caller is responsible for
// closing conn afterward.
func Serve(c *Conn, peerID string, hs *Handshake, events chan<- Event, outbox <-chan Message) {
	if hs != nil {
		events <- Event{PeerID: peerID, Handshake: hs}
	}

	readErr := make(chan error, 1)
	msgs := make(chan Message)
	go func() {
		for {
			m, err := c.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			msgs <- m
		}
	}()

	for {
		select {
		case m := <-msgs:
			mm := m
			events <- Event{PeerID: peerID, Message: &mm}
		case err := <-readErr:
			events <- Event{PeerID: peerID, Err: err}
			return
		case m, ok := <-outbox:
			if !ok {
				return
			}
			if err := c.WriteMessage(m); err != nil {
				events <- Event{PeerID: peerID, Err: err}
				return
			}
		}
	}
}
