// syncli is the control client for syncored: a thin Kong-subcommand
// wrapper around one websocket round trip per invocation, grounded on
// original_source/sycli/src/main.rs's add/del/list/pause/dl subcommand
// set and --server/--password flags (translated from clap to kong, the
// teacher's own CLI library).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"

	"github.com/example/syncore/rpcapi"
)

const VERSION = "0.1.0"

var CLI struct {
	Server   string `help:"Websocket URI of the syncored daemon." short:"s" default:"ws://localhost:7001/ws"`
	Password string `help:"Password to use when connecting." short:"p"`

	Add struct {
		Directory string   `help:"Accepted but not sent to the daemon; torrents are written to its download directory." short:"d"`
		Files     []string `arg:"" help:"Torrent files to add."`
	} `cmd:"" help:"Add torrents."`
	Del struct {
		Torrents []string `arg:"" help:"Torrent ids to remove."`
	} `cmd:"" help:"Remove torrents."`
	List struct {
		Output string `help:"Output format: text or json." enum:"text,json" default:"text"`
	} `cmd:"" help:"List torrents."`
	Pause struct {
		Torrents []string `arg:"" help:"Torrent ids to pause."`
	} `cmd:"" help:"Pause torrents."`
	Resume struct {
		Torrents []string `arg:"" help:"Torrent ids to resume."`
	} `cmd:"" help:"Resume torrents."`
	Dl struct {
		Torrent string `arg:"" help:"Torrent id to watch until it completes."`
	} `cmd:"" help:"Show a progress bar until a torrent finishes."`
}

func main() {
	ctx := kong.Parse(&CLI)

	conn, _, err := websocket.DefaultDialer.Dial(serverURL(), nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "couldn't connect to syncored:", err)
		os.Exit(1)
	}
	defer conn.Close()

	var runErr error
	switch strings.SplitN(ctx.Command(), " ", 2)[0] {
	case "add":
		runErr = cmdAdd(conn, CLI.Add.Files)
	case "del":
		runErr = cmdDel(conn, CLI.Del.Torrents)
	case "list":
		runErr = cmdList(conn, CLI.List.Output)
	case "pause":
		runErr = cmdPause(conn, CLI.Pause.Torrents)
	case "resume":
		runErr = cmdResume(conn, CLI.Resume.Torrents)
	case "dl":
		runErr = cmdDl(conn, CLI.Dl.Torrent)
	default:
		ctx.PrintUsage(false)
		return
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "error:", runErr)
		os.Exit(1)
	}
}

func serverURL() string {
	if CLI.Password == "" {
		return CLI.Server
	}
	return CLI.Server + "?password=" + CLI.Password
}

func call(conn *websocket.Conn, req rpcapi.Request) (rpcapi.Response, error) {
	if err := conn.WriteJSON(req); err != nil {
		return rpcapi.Response{}, err
	}
	var resp rpcapi.Response
	if err := conn.ReadJSON(&resp); err != nil {
		return rpcapi.Response{}, err
	}
	if resp.Kind == rpcapi.Err {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

func cmdAdd(conn *websocket.Conn, files []string) error {
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if _, err := call(conn, rpcapi.Request{Kind: rpcapi.AddTorrent, Bencode: data}); err != nil {
			return fmt.Errorf("adding %s: %w", path, err)
		}
		fmt.Println("added", path)
	}
	return nil
}

func cmdDel(conn *websocket.Conn, ids []string) error {
	for _, id := range ids {
		if _, err := call(conn, rpcapi.Request{Kind: rpcapi.RemoveTorrent, TorrentID: id}); err != nil {
			return fmt.Errorf("removing %s: %w", id, err)
		}
		fmt.Println("removed", id)
	}
	return nil
}

func cmdPause(conn *websocket.Conn, ids []string) error {
	for _, id := range ids {
		if _, err := call(conn, rpcapi.Request{Kind: rpcapi.PauseTorrent, TorrentID: id}); err != nil {
			return fmt.Errorf("pausing %s: %w", id, err)
		}
	}
	return nil
}

func cmdResume(conn *websocket.Conn, ids []string) error {
	for _, id := range ids {
		if _, err := call(conn, rpcapi.Request{Kind: rpcapi.ResumeTorrent, TorrentID: id}); err != nil {
			return fmt.Errorf("resuming %s: %w", id, err)
		}
	}
	return nil
}

func cmdList(conn *websocket.Conn, output string) error {
	resp, err := call(conn, rpcapi.Request{Kind: rpcapi.ListTorrents})
	if err != nil {
		return err
	}
	infos := make([]*rpcapi.TorrentInfoPayload, 0, len(resp.IDs))
	for _, id := range resp.IDs {
		ir, err := call(conn, rpcapi.Request{Kind: rpcapi.TorrentInfo, TorrentID: id})
		if err != nil {
			return err
		}
		infos = append(infos, ir.Info)
	}

	if output == "json" {
		return printJSON(infos)
	}
	for _, info := range infos {
		pct := 0.0
		if info.NumPieces > 0 {
			pct = 100 * float64(info.NumComplete) / float64(info.NumPieces)
		}
		colorstring.Println(fmt.Sprintf(
			"[green]%s[reset]  %-20s  %6.2f%%  up=%d/s down=%d/s  peers=%d  [%s]",
			info.ID, info.Name, pct, info.ULRateBps, info.DLRateBps, info.NumPeers, info.State,
		))
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdDl(conn *websocket.Conn, id string) error {
	first, err := call(conn, rpcapi.Request{Kind: rpcapi.TorrentInfo, TorrentID: id})
	if err != nil {
		return err
	}
	bar := progressbar.DefaultBytes(first.Info.Length, first.Info.Name)

	for {
		resp, err := call(conn, rpcapi.Request{Kind: rpcapi.TorrentInfo, TorrentID: id})
		if err != nil {
			return err
		}
		bar.Set64(resp.Info.Downloaded)
		if resp.Info.Downloaded >= resp.Info.Length {
			bar.Finish()
			fmt.Println()
			return nil
		}
		time.Sleep(time.Second)
	}
}
