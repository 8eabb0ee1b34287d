package paging

import (
	lru "github.com/hashicorp/golang-lru"
)

// tlbSize is the number of 4 KiB translations a Translator caches.
const tlbSize = 4096

// Translator binds a Memory and a Context together with a small LRU
// translation cache. The cache is sound because the underlying image never
// changes during an analysis session; only successful translations are
// cached. A Translator is not safe for concurrent use; plugins that scan in
// parallel should each build their own.
type Translator struct {
	mem Memory
	ctx Context
	tlb *lru.Cache
}

// NewTranslator returns a Translator for ctx over mem.
func NewTranslator(mem Memory, ctx Context) *Translator {
	// lru.New only fails for non-positive sizes.
	tlb, _ := lru.New(tlbSize)
	return &Translator{mem: mem, ctx: ctx, tlb: tlb}
}

// Context returns the paging context this Translator walks.
func (t *Translator) Context() Context { return t.ctx }

// Translate returns the physical address vaddr maps to, consulting the
// translation cache first.
func (t *Translator) Translate(vaddr uint64) (uint64, error) {
	vpage := vaddr &^ uint64(pageMask)
	if frame, ok := t.tlb.Get(vpage); ok {
		return frame.(uint64) | (vaddr & pageMask), nil
	}
	pa, err := Translate(t.mem, t.ctx, vpage)
	if err != nil {
		return 0, err
	}
	t.tlb.Add(vpage, pa)
	return pa | (vaddr & pageMask), nil
}

// ReadVirtual fills buf with the bytes at vaddr, one page window at a time,
// using the translation cache.
func (t *Translator) ReadVirtual(buf []byte, vaddr uint64) error {
	return readVirtual(t.mem, vaddr, buf, t.Translate)
}
