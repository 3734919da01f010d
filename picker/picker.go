// Package picker implements the sequential piece picker: the only
// selection strategy the session core supports (no rarest-first, no
// endgame). It is ported from original_source/src/torrent/picker/sequential.rs.
package picker

import "github.com/example/syncore/bitfield"

type status uint8

const (
	statusIncomplete status = iota
	statusComplete
)

type piece struct {
	pos    uint32
	status status
}

// Picker holds one torrent's pieces partitioned into a completed prefix and
// an incomplete suffix, with pieceIdx marking the frontier between them.
// The frontier only ever advances past a run of pieces that went complete
// in order starting at the frontier itself; a piece completed out of order
// stays in the incomplete suffix until Incomplete/Completed calls catch it
// up, exactly mirroring the reference implementation.
type Picker struct {
	pieceIdx int
	pieces   []piece
}

// New builds a Picker from an initial bitfield of already-held pieces
// (e.g. resumed from a persisted state file). Held pieces are placed
// ahead of the frontier; the rest follow in ascending index order.
func New(have bitfield.Bitfield, numPieces int) *Picker {
	pieces := make([]piece, 0, numPieces)
	for i := 0; i < numPieces; i++ {
		if have.Has(i) {
			pieces = append(pieces, piece{pos: uint32(i), status: statusComplete})
		}
	}
	frontier := len(pieces)
	for i := 0; i < numPieces; i++ {
		if !have.Has(i) {
			pieces = append(pieces, piece{pos: uint32(i), status: statusIncomplete})
		}
	}
	return &Picker{pieceIdx: frontier, pieces: pieces}
}

// Pick returns the lowest-indexed incomplete piece, past the frontier,
// that peerHas also holds, or false if no such piece exists.
func (p *Picker) Pick(peerHas bitfield.Bitfield) (uint32, bool) {
	for _, pc := range p.pieces[p.pieceIdx:] {
		if pc.status == statusIncomplete && peerHas.Has(int(pc.pos)) {
			return pc.pos, true
		}
	}
	return 0, false
}

// Completed marks piece idx complete. It only looks past the current
// frontier — a piece the frontier has already passed is by definition
// already complete — then advances the frontier over any now-complete
// run starting at its original position.
func (p *Picker) Completed(idx uint32) {
	for i := range p.pieces[p.pieceIdx:] {
		if p.pieces[p.pieceIdx+i].pos == idx {
			p.pieces[p.pieceIdx+i].status = statusComplete
			break
		}
	}
	p.updateFrontier()
}

// Incomplete reopens piece idx (e.g. a hash-check failure after Completed
// was called optimistically) and rewinds the frontier to its slot.
func (p *Picker) Incomplete(idx uint32) {
	for i := range p.pieces {
		if p.pieces[i].pos == idx {
			p.pieces[i].status = statusIncomplete
			if i < p.pieceIdx {
				p.pieceIdx = i
			}
			return
		}
	}
}

// updateFrontier advances the frontier over the run of Complete slots that
// starts at it, stopping at the first Incomplete slot, so every slot before
// the frontier stays Complete.
func (p *Picker) updateFrontier() {
	for p.pieceIdx < len(p.pieces) && p.pieces[p.pieceIdx].status == statusComplete {
		p.pieceIdx++
	}
}

// Done reports whether every piece is complete.
func (p *Picker) Done() bool {
	return p.pieceIdx >= len(p.pieces)
}
