// Package metainfo parses .torrent files into the static description of a
// torrent's content — name, file layout, piece hashes, trackers — kept
// separate from the reactor's Torrent aggregate (the live swarm state),
// which embeds a *Metainfo rather than being one. Ported from the
// teacher's torrent/torrent.go, renamed to avoid that collision.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/example/syncore/bencode"
	"github.com/example/syncore/utils"
)

// Metainfo is the decoded content of a .torrent file.
type Metainfo struct {
	AnnounceList []string
	Name         string
	UrlList      []string
	CreatedBy    string
	Comment      string
	CreatedAt    int64
	FileList     []*File
	PieceLength  int64
	Pieces       []string // hex-encoded SHA-1 hashes, one per piece
	InfoHash     [20]byte
	Length       int64
	IsPrivate    bool

	// Raw holds the original encoded .torrent bytes, kept so a session
	// state file can embed a self-contained copy without needing the
	// source .torrent file to still be on disk.
	Raw []byte
}

// File describes one file within a (possibly multi-file) torrent, along
// with the inclusive range of piece indices it overlaps.
type File struct {
	Length          int64
	Path            string
	FirstPieceIndex int
	LastPieceIndex  int
}

func newMetainfo() *Metainfo {
	return &Metainfo{
		AnnounceList: make([]string, 0),
		UrlList:      make([]string, 0),
		FileList:     make([]*File, 0),
		Pieces:       make([]string, 0),
	}
}

func newFile(length int64, path string) *File {
	return &File{Length: length, Path: path}
}

func (f *File) String() string {
	return fmt.Sprintf("Path: %s (%s)", f.Path, utils.FormatBytes(f.Length))
}

func (m *Metainfo) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "  Name: %s\n", m.Name)
	fmt.Fprintf(&sb, "  InfoHash: %s\n", m.InfoHashHex())
	fmt.Fprintf(&sb, "  Length: %s\n", utils.FormatBytes(m.Length))
	sb.WriteString("  AnnounceList:\n")
	for _, a := range m.AnnounceList {
		fmt.Fprintf(&sb, "     %s\n", a)
	}
	sb.WriteString("  UrlList:\n")
	for _, u := range m.UrlList {
		fmt.Fprintf(&sb, "     %s\n", u)
	}
	fmt.Fprintf(&sb, "  CreatedBy: %s\n", m.CreatedBy)
	fmt.Fprintf(&sb, "  Comment: %s\n", m.Comment)
	fmt.Fprintf(&sb, "  CreatedAt: %s\n", time.Unix(m.CreatedAt, 0).String())
	sb.WriteString("  FileList:\n")
	for _, f := range m.FileList {
		fmt.Fprintf(&sb, "     %s\n", f.String())
	}
	fmt.Fprintf(&sb, "  PieceLength: %s\n", utils.FormatBytes(m.PieceLength))
	return sb.String()
}

// InfoHashHex returns the lowercase-hex info hash, the form used as a
// session state filename and RPC torrent identifier.
func (m *Metainfo) InfoHashHex() string {
	return fmt.Sprintf("%x", m.InfoHash)
}

// NumPieces reports the total piece count.
func (m *Metainfo) NumPieces() int {
	return len(m.Pieces)
}

// FromBencodeData converts decoded bencode data into a Metainfo. Returns
// nil if data is nil.
func FromBencodeData(data *bencode.Data) *Metainfo {
	if data == nil {
		return nil
	}
	m := newMetainfo()
	root := data.AsDict()
	info := root["info"].AsDict()

	if announceList, ok := root["announce-list"]; ok {
		for _, tier := range announceList.AsList() {
			for _, a := range tier.AsList() {
				m.AnnounceList = append(m.AnnounceList, a.AsString())
			}
		}
	}
	if announce, ok := root["announce"]; ok {
		if !slices.Contains(m.AnnounceList, announce.AsString()) {
			m.AnnounceList = append(m.AnnounceList, announce.AsString())
		}
	}
	if name, ok := info["name"]; ok {
		m.Name = name.AsString()
	}
	if urlList, ok := root["url-list"]; ok {
		for _, u := range urlList.AsList() {
			m.UrlList = append(m.UrlList, u.AsString())
		}
	}
	if c, ok := root["comment"]; ok {
		m.Comment = c.AsString()
	}
	if cb, ok := root["created by"]; ok {
		m.CreatedBy = cb.AsString()
	}
	if ca, ok := root["creation date"]; ok {
		m.CreatedAt = ca.AsInt()
	}

	if files, ok := info["files"]; ok {
		for _, fd := range files.AsList() {
			fdict := fd.AsDict()
			path := m.Name
			if fp, ok := fdict["path"]; ok {
				for _, p := range fp.AsList() {
					path = filepath.Join(path, p.AsString())
				}
			}
			file := newFile(fdict["length"].AsInt(), path)
			m.FileList = append(m.FileList, file)
			m.Length += file.Length
		}
	} else {
		m.Length = info["length"].AsInt()
		m.FileList = append(m.FileList, newFile(m.Length, m.Name))
	}

	if pl, ok := info["piece length"]; ok {
		m.PieceLength = pl.AsInt()
	}

	if pieces, ok := info["pieces"]; ok {
		raw := pieces.AsBytes()
		for i := 0; i+20 <= len(raw); i += 20 {
			m.Pieces = append(m.Pieces, fmt.Sprintf("%x", raw[i:i+20]))
		}
	}

	if priv, ok := info["private"]; ok {
		m.IsPrivate = priv.AsInt() == 1
	}

	m.InfoHash = sha1.Sum(root["info"].ToBytes())

	var offset int64
	for _, file := range m.FileList {
		if m.PieceLength == 0 {
			continue
		}
		file.FirstPieceIndex = int(offset / m.PieceLength)
		file.LastPieceIndex = int((offset + file.Length - 1) / m.PieceLength)
		offset += file.Length
	}

	return m
}

// FromBytes decodes a .torrent file's raw bytes into a Metainfo.
func FromBytes(data []byte) (*Metainfo, error) {
	decoded, _, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: decoding torrent data: %w", err)
	}
	m := FromBencodeData(decoded)
	m.Raw = data
	return m, nil
}

// Load reads and decodes a .torrent file from disk.
func Load(path string) (*Metainfo, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromBytes(content)
}

// Verify walks every file under contentDir that this Metainfo describes
// and checks each piece's SHA-1 hash against the recorded value. It treats
// the concatenation of all files, in listed order, as one continuous
// stream — pieces may span a file boundary exactly as they do during
// download.
func Verify(m *Metainfo, contentDir string) error {
	for _, file := range m.FileList {
		if _, err := os.Stat(filepath.Join(contentDir, file.Path)); err != nil {
			return err
		}
	}

	pieceLength := m.PieceLength
	piece := make([]byte, 0, pieceLength)
	buf := make([]byte, pieceLength)
	pieceIdx := 0

	for fi, file := range m.FileList {
		filePath := filepath.Join(contentDir, file.Path)
		if err := func() error {
			f, err := os.Open(filePath)
			if err != nil {
				return err
			}
			defer f.Close()

			for {
				n, err := f.Read(buf)
				if n == 0 && err != nil {
					break
				}
				piece = append(piece, buf[:n]...)
				if err != nil {
					break
				}
				for int64(len(piece)) >= pieceLength {
					if pieceIdx >= len(m.Pieces) {
						return fmt.Errorf("metainfo: more data than declared pieces")
					}
					if err := checkPiece(piece[:pieceLength], m.Pieces[pieceIdx], pieceIdx); err != nil {
						return err
					}
					piece = piece[pieceLength:]
					pieceIdx++
				}
			}
			// A short final chunk belongs to the last piece only if this
			// is the last file; otherwise it carries over to the next file.
			if fi == len(m.FileList)-1 && len(piece) > 0 {
				if pieceIdx >= len(m.Pieces) {
					return fmt.Errorf("metainfo: more data than declared pieces")
				}
				return checkPiece(piece, m.Pieces[pieceIdx], pieceIdx)
			}
			return nil
		}(); err != nil {
			return err
		}
	}
	return nil
}

func checkPiece(data []byte, want string, idx int) error {
	got := fmt.Sprintf("%x", sha1.Sum(data))
	if got != want {
		return fmt.Errorf("metainfo: piece %d is corrupted", idx)
	}
	return nil
}
