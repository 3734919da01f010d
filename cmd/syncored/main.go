// syncored is the session daemon: it owns the reactor's single event-loop
// goroutine and the tracker, disk, and RPC workers around it, following
// the teacher's main.go's init-then-dispatch shape (initConfig,
// initLogging, a Kong-parsed flag set) adapted from a one-shot CLI
// download command into a standing service.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"

	"github.com/example/syncore/config"
	"github.com/example/syncore/disk"
	"github.com/example/syncore/reactor"
	"github.com/example/syncore/rpcapi"
	"github.com/example/syncore/rpcapi/wsserver"
	"github.com/example/syncore/store"
	"github.com/example/syncore/tracker"
	"github.com/example/syncore/wire"
)

const VERSION = "0.1.0"

var CLI struct {
	ListenAddr  string `help:"RPC websocket + /healthz listen address." default:""`
	PeerPort    int    `help:"TCP port to accept incoming peer-wire connections on." default:"0"`
	DownloadDir string `help:"Directory downloaded content is written to." default:""`
	SessionDir  string `help:"Directory resumable session state is kept in." default:""`
}

func main() {
	kong.Parse(&CLI)
	initConfig()
	initLogging()
	defer shutdownLogging()

	listenAddr := firstNonEmpty(CLI.ListenAddr, config.Main.ListenAddr)
	peerPort := config.Main.PeerPort
	if CLI.PeerPort != 0 {
		peerPort = CLI.PeerPort
	}
	downloadDir := firstNonEmpty(CLI.DownloadDir, config.Main.DownloadDir)
	sessionDir := firstNonEmpty(CLI.SessionDir, config.Main.SessionDir)

	myID := generatePeerID()
	log.Info().Msgf("peer id %x, peer port %d, rpc listen %s", myID, peerPort, listenAddr)

	hist, err := store.Open(config.Main.DB.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("opening history database")
	}
	defer hist.Close()

	trackerReqCh := make(chan reactor.TrackerRequest, 32)
	trackerRespRaw := make(chan reactor.TrackerResponse, 32)
	trackerRespCtl := make(chan reactor.TrackerResponse, 32)
	diskReqCh := make(chan reactor.DiskRequest, 32)
	diskRespCh := make(chan reactor.DiskResponse, 32)
	rpcReqCh := make(chan rpcapi.Request)
	rpcRespCh := make(chan rpcapi.Response)
	rpcCtlCh := make(chan rpcapi.CtlMessage, 32)
	newPeerCh := make(chan reactor.NewPeerRequest, 32)
	peerEventsCh := make(chan reactor.PeerEvent, 256)
	wireEventsCh := make(chan wire.Event, 256)

	trackerWorker := tracker.New(myID, uint16(peerPort), log.Printf)
	go trackerWorker.Run(trackerReqCh, trackerRespRaw)

	diskWorker := disk.New(log.Printf)
	go diskWorker.Run(diskReqCh, diskRespCh)

	mgr := newConnMgr(myID, newPeerCh, wireEventsCh, log.Printf)
	go relayTrackerResponses(trackerRespRaw, trackerRespCtl, mgr)
	go pumpWireEvents(wireEventsCh, peerEventsCh)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", peerPort))
	if err != nil {
		log.Fatal().Err(err).Msg("listening for peer connections")
	}
	go mgr.acceptLoop(ln)

	env := &reactor.Env{
		SessionDir:            sessionDir,
		DownloadDir:           downloadDir,
		DHTPort:               uint16(config.Main.DHTPort),
		DefaultMaxBucketBytes: config.Main.DefaultMaxBucketBytes,
		DefaultULRate:         config.Main.DefaultULRate,
		DefaultDLRate:         config.Main.DefaultDLRate,
		Logf:                  log.Printf,
	}
	ctl := reactor.NewControl(env, reactor.ControlChannels{
		TrackerReq:  trackerReqCh,
		TrackerResp: trackerRespCtl,
		DiskReq:     diskReqCh,
		DiskResp:    diskRespCh,
		RPCReq:      rpcReqCh,
		RPCResp:     rpcRespCh,
		RPCCtl:      rpcCtlCh,
		NewPeer:     newPeerCh,
		PeerEvents:  peerEventsCh,
	})

	rpcSrv := wsserver.New(rpcReqCh, rpcRespCh, rpcCtlCh, log.Printf)
	httpSrv := &http.Server{Addr: listenAddr, Handler: rpcSrv.Router()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("rpc http server")
		}
	}()

	ctlDone := make(chan struct{})
	go func() {
		ctl.Run()
		close(ctlDone)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(ctx)
	ln.Close()
	ctl.Shutdown()
	<-ctlDone
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func initConfig() {
	if err := os.MkdirAll(config.Main.CacheDir, os.ModePerm); err != nil {
		log.Fatal().Err(err).Str("path", config.Main.CacheDir).Msg("failed to create cache directory")
	}
	if err := os.MkdirAll(config.Main.DownloadDir, os.ModePerm); err != nil {
		log.Fatal().Err(err).Str("path", config.Main.DownloadDir).Msg("failed to create download directory")
	}
	if err := os.MkdirAll(config.Main.SessionDir, os.ModePerm); err != nil {
		log.Fatal().Err(err).Str("path", config.Main.SessionDir).Msg("failed to create session directory")
	}
}
