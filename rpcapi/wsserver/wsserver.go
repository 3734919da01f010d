// Package wsserver exposes the reactor's RPC surface over a websocket, one
// JSON frame per Request/Response, plus unsolicited CtlMessage pushes and a
// plain HTTP /healthz status endpoint. Routing follows the
// mux.NewRouter()-with-method-filter style of uber-kraken's test tracker
// (kraken/test-tracker/tracker.go); the websocket upgrade itself follows
// gorilla/websocket's own documented Upgrader pattern, the idiomatic
// counterpart to the mux routing already adopted here.
package wsserver

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/syncore/rpcapi"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server bridges websocket clients to the reactor's RPC channel pair.
// Control answers requests strictly in the order it receives them on
// RPCReq, so Server serializes every client's request through one
// dispatch mutex and reads the matching reply off the single shared
// RPCResp channel before releasing the next caller — the same
// one-request-in-flight-at-a-time contract the teacher's CLI already
// assumes of a single daemon process.
type Server struct {
	rpcReq  chan<- rpcapi.Request
	rpcResp <-chan rpcapi.Response
	rpcCtl  <-chan rpcapi.CtlMessage

	dispatch sync.Mutex

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	logf func(format string, args ...any)
}

// New constructs a Server over Control's three RPC channels.
func New(rpcReq chan<- rpcapi.Request, rpcResp <-chan rpcapi.Response, rpcCtl <-chan rpcapi.CtlMessage, logf func(format string, args ...any)) *Server {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	s := &Server{rpcReq: rpcReq, rpcResp: rpcResp, rpcCtl: rpcCtl, clients: make(map[*websocket.Conn]struct{}), logf: logf}
	go s.broadcastCtl()
	return s
}

// Router builds the mux.Router serving /ws (the RPC socket) and /healthz
// (a plain liveness probe for cmd/syncored's status endpoint).
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/ws", s.handleWS).Methods("GET")
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("wsserver: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()

	for {
		var req rpcapi.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := s.call(req)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

// call sends one request and waits for Control's matching reply,
// serialized against every other connection's call.
func (s *Server) call(req rpcapi.Request) rpcapi.Response {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	s.rpcReq <- req
	return <-s.rpcResp
}

func (s *Server) broadcastCtl() {
	for msg := range s.rpcCtl {
		b, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		s.mu.Lock()
		for conn := range s.clients {
			_ = conn.WriteMessage(websocket.TextMessage, b)
		}
		s.mu.Unlock()
	}
}
