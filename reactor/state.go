package reactor

import (
	"fmt"

	"github.com/example/syncore/bencode"
	"github.com/example/syncore/bitfield"
	"github.com/example/syncore/metainfo"
)

// SerializeState snapshots enough of a Torrent to resume it across a
// restart: the original .torrent bytes (so the session directory is
// self-contained and doesn't depend on that file still being on disk),
// the held-pieces bitfield, and lifecycle state. Ported from
// original_source's Torrent::serialize, which bencodes the same three
// pieces of state to a per-torrent file under the session dir.
func SerializeState(t *Torrent) []byte {
	root := map[string]interface{}{
		"info":  t.Info.Raw,
		"have":  []byte(t.Pieces),
		"state": int64(t.State),
	}
	return bencode.NewData(root).ToBytes()
}

// DeserializeState reads back what SerializeState wrote, used at startup to
// load every *.state file found under the session directory. It returns the
// torrent id, metainfo and held-pieces bitfield; the saved lifecycle state
// is not read back.
func DeserializeState(data []byte) (TorrentID, *metainfo.Metainfo, bitfield.Bitfield, error) {
	d, _, err := bencode.Decode(data)
	if err != nil {
		return "", nil, nil, fmt.Errorf("decoding session state: %w", err)
	}
	dict := d.AsDict()
	infoData, ok := dict["info"]
	if !ok {
		return "", nil, nil, fmt.Errorf("session state missing info section")
	}
	info, err := metainfo.FromBytes(infoData.AsBytes())
	if err != nil {
		return "", nil, nil, fmt.Errorf("session state: re-decoding embedded torrent: %w", err)
	}

	haveData, ok := dict["have"]
	if !ok {
		return "", nil, nil, fmt.Errorf("session state missing have bitfield")
	}
	have := bitfield.Bitfield(haveData.AsBytes()).Cap(info.NumPieces())

	tid := TorrentID(info.InfoHashHex())
	return tid, info, have, nil
}
