package peer

import (
	"cmp"
	"slices"

	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
)

// peerView is a consistent snapshot of one session's bitmaps.
type peerView struct {
	session   *Session
	available *protocol.Bitmap
	requested *protocol.Bitmap
}

// rarestFirst returns the pieces worth requesting, least replicated first.
// A piece counts once for every peer that advertises it, has not been asked
// for it, while we still lack it. Pieces already in flight to any peer are
// left out so one piece is never fetched twice at once. Ties go to the lower
// index.
func rarestFirst(views []peerView, owned *protocol.Bitmap) []uint32 {
	counts := make(map[uint32]int)
	inFlight := protocol.NewBitmap()
	for _, v := range views {
		inFlight.Or(v.requested)
		for _, idx := range v.available.AndNot(v.requested).AndNot(owned).Indices() {
			counts[idx]++
		}
	}

	pieces := make([]uint32, 0, len(counts))
	for idx := range counts {
		if !inFlight.Contains(idx) {
			pieces = append(pieces, idx)
		}
	}
	slices.SortFunc(pieces, func(a, b uint32) int {
		if c := cmp.Compare(counts[a], counts[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return pieces
}
