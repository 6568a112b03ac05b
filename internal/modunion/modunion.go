// Package modunion implements the mod-union table of spec.md §3/§4: a
// remembered set for references from one space into objects of another
// space that collects more frequently (e.g. the zygote or image space
// pointing into the current malloc/bump-pointer space).
package modunion

import (
	"sort"
	"sync"

	"github.com/gcheap/gcheap/internal/cardtable"
	"github.com/gcheap/gcheap/internal/heapobj"
)

// Kind selects which of the two remembered-set representations a table
// uses (spec §3): a card-cache table records dirty-card addresses, an
// update-mark table records reference-field addresses directly.
type Kind int

const (
	KindCardCache Kind = iota
	KindUpdateMark
)

// Table is a remembered set bridging a source space (scanned
// infrequently) to a target space (collected frequently).
type Table struct {
	kind   Kind
	source *cardtable.Table

	mu            sync.Mutex
	dirtyCards    map[uintptr]struct{} // KindCardCache
	referenceAddr map[uintptr]struct{} // KindUpdateMark: addresses of reference fields
}

// New constructs an empty mod-union table of the given kind, covering
// the card table of the source space.
func New(kind Kind, source *cardtable.Table) *Table {
	t := &Table{kind: kind, source: source}
	switch kind {
	case KindCardCache:
		t.dirtyCards = make(map[uintptr]struct{})
	case KindUpdateMark:
		t.referenceAddr = make(map[uintptr]struct{})
	}
	return t
}

// NewFromImageCardTable seeds an update-mark table directly from an
// already-frozen image space's own card table, recording every card
// that was dirty at image-bake time by recording the address of every
// reference field (as enumerated by visitRefs) of each object on such a
// card (spec §6, "Image format"). The image's card table never
// changes again, so this is a one-time snapshot rather than an
// ongoing ClearCards cycle.
func NewFromImageCardTable(imageCards *cardtable.Table, imageBegin, imageEnd uintptr, bm cardtable.BitmapLike, visitRefs func(obj uintptr, visit func(fieldAddr, referent uintptr))) *Table {
	t := New(KindUpdateMark, imageCards)
	imageCards.Scan(bm, imageBegin, imageEnd, func(obj uintptr) {
		visitRefs(obj, func(fieldAddr, _ uintptr) {
			t.RecordReference(fieldAddr)
		})
	})
	return t
}

// ClearCards snapshots every DIRTY (or aged) card in [begin, end) of the
// source card table into this table's remembered set, then clears the
// cards of the range (spec §3). Only meaningful for KindCardCache tables.
func (t *Table) ClearCards(begin, end uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr := cardAlignDown(begin, t.source.Base()); addr < end; addr += cardtable.CardSize {
		if t.kind == KindCardCache && t.source.IsDirtyOrAged(addr) {
			t.dirtyCards[addr] = struct{}{}
		}
	}
	t.source.ModifyCardsAtomic(begin, end, func(old byte) byte {
		return cardtable.Clean
	}, func(old byte) {})
}

func cardAlignDown(addr, base uintptr) uintptr {
	off := (addr - base) &^ (cardtable.CardSize - 1)
	return base + off
}

// RecordReference adds fieldAddr to the remembered set directly,
// bypassing the card table. Used by KindUpdateMark tables when the
// caller already knows the exact reference-field address (e.g. while
// walking objects during an update pass).
func (t *Table) RecordReference(fieldAddr uintptr) {
	t.mu.Lock()
	t.referenceAddr[fieldAddr] = struct{}{}
	t.mu.Unlock()
}

// UpdateAndMarkReferences re-scans every card (KindCardCache) or
// reference field (KindUpdateMark) recorded in this table, invoking
// mark on every non-null referent found, and — if updatePointer is
// non-nil — writing back the forwarded address for a moving collector
// (spec §3). bm locates objects within a recorded card for
// KindCardCache tables.
func (t *Table) UpdateAndMarkReferences(bm cardtable.BitmapLike, visitRefs func(obj uintptr, visit func(fieldAddr, referent uintptr)), mark func(referent uintptr) uintptr, updatePointer func(fieldAddr, newReferent uintptr)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.kind {
	case KindCardCache:
		cards := sortedKeys(t.dirtyCards)
		for _, card := range cards {
			bm.VisitMarkedRange(card, card+cardtable.CardSize, func(obj uintptr) {
				visitRefs(obj, func(fieldAddr, referent uintptr) {
					t.markAndMaybeUpdate(referent, fieldAddr, mark, updatePointer)
				})
			})
		}
	case KindUpdateMark:
		fields := sortedKeys(t.referenceAddr)
		for _, fieldAddr := range fields {
			referent := heapobj.ReadRef(fieldAddr)
			if referent == 0 {
				continue
			}
			t.markAndMaybeUpdate(referent, fieldAddr, mark, updatePointer)
		}
	}
}

func (t *Table) markAndMaybeUpdate(referent, fieldAddr uintptr, mark func(uintptr) uintptr, updatePointer func(uintptr, uintptr)) {
	if referent == 0 {
		return
	}
	newAddr := mark(referent)
	if updatePointer != nil && newAddr != referent {
		updatePointer(fieldAddr, newAddr)
	}
}

func sortedKeys(m map[uintptr]struct{}) []uintptr {
	out := make([]uintptr, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
