package index

import "sync/atomic"

// Holder publishes the current Index to concurrent readers. A rebuild
// creates a new Index and swaps it in; readers keep whatever pointer they
// already loaded.
type Holder struct {
	ptr atomic.Pointer[Index]
}

// NewHolder returns a Holder publishing idx, which may be nil.
func NewHolder(idx *Index) *Holder {
	h := &Holder{}
	if idx != nil {
		h.ptr.Store(idx)
	}
	return h
}

// Current returns the published index, or nil if none is loaded.
func (h *Holder) Current() *Index {
	return h.ptr.Load()
}

// Swap publishes idx and returns the previous index.
func (h *Holder) Swap(idx *Index) *Index {
	return h.ptr.Swap(idx)
}
