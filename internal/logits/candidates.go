package logits

import (
	"cmp"
	"fmt"
	"slices"
)

// TokenData is one entry of the candidate table.
type TokenData struct {
	ID    int32
	Logit float32
	P     float32
}

// Candidates is a vocabulary sized table of (id, logit, p) entries.
// Filter stages shrink Data in place; Rebuild restores the full table.
type Candidates struct {
	buf     []TokenData
	scratch []TokenData

	// Data is the live view over the table.
	Data []TokenData
	// Sorted reports whether Data is ordered by descending logit.
	Sorted bool
}

// NewCandidates allocates a table for a vocabulary of n tokens.
func NewCandidates(n int) *Candidates {
	if n < 0 {
		n = 0
	}
	buf := make([]TokenData, n)
	for i := range buf {
		buf[i].ID = int32(i)
	}
	return &Candidates{
		buf:     buf,
		scratch: make([]TokenData, 0, n),
		Data:    buf,
	}
}

// Vocab returns the fixed table size.
func (c *Candidates) Vocab() int { return len(c.buf) }

// Len returns the number of live candidates.
func (c *Candidates) Len() int { return len(c.Data) }

// Rebuild resets every entry to (i, logits[i], 0) and marks the table unsorted.
func (c *Candidates) Rebuild(logits []float32) error {
	if len(logits) != len(c.buf) {
		return fmt.Errorf("logits: rebuild with %d logits, table holds %d", len(logits), len(c.buf))
	}
	for i, l := range logits {
		c.buf[i] = TokenData{ID: int32(i), Logit: l}
	}
	c.Data = c.buf
	c.Sorted = false
	return nil
}

// Find returns the live entry for id, or nil.
func (c *Candidates) Find(id int32) *TokenData {
	if id >= 0 && int(id) < len(c.Data) && c.Data[id].ID == id {
		return &c.Data[id]
	}
	for i := range c.Data {
		if c.Data[i].ID == id {
			return &c.Data[i]
		}
	}
	return nil
}

// sortDesc orders Data by descending logit, lowest id first on ties.
func (c *Candidates) sortDesc() {
	if c.Sorted {
		return
	}
	slices.SortFunc(c.Data, func(a, b TokenData) int {
		if a.Logit != b.Logit {
			return cmp.Compare(b.Logit, a.Logit)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	c.Sorted = true
}
