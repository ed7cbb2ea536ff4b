// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"encoding/csv"
	"io"
	"strings"
	"sync"
)

// Term is a content taxonomy entry. Terms referenced by id but absent from
// the loaded table are materialized on first use so that bids carrying
// newer taxonomy revisions still parse.
type Term struct {
	ID     string
	Parent string
	Name   string
	Path   string
}

// Taxonomy is a flat content taxonomy lookup, keyed by term id and by the
// full "Tier 1 > Tier 2" style path.
type Taxonomy struct {
	mu     sync.RWMutex
	byID   map[string]*Term
	byPath map[string]*Term
}

// NewTaxonomy creates an empty taxonomy.
func NewTaxonomy() *Taxonomy {
	return &Taxonomy{
		byID:   make(map[string]*Term),
		byPath: make(map[string]*Term),
	}
}

// Load reads a tab-separated taxonomy table: id, parent id, name, then one
// column per tier. Rows already present are overwritten.
func (t *Taxonomy) Load(r io.Reader) error {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if len(rec) < 3 || rec[0] == "" || strings.EqualFold(rec[0], "unique id") {
			continue
		}
		var tiers []string
		for _, tier := range rec[3:] {
			if tier != "" {
				tiers = append(tiers, tier)
			}
		}
		term := &Term{
			ID:     rec[0],
			Parent: rec[1],
			Name:   rec[2],
			Path:   strings.Join(tiers, " > "),
		}
		t.byID[term.ID] = term
		if term.Path != "" {
			t.byPath[term.Path] = term
		}
	}
}

// ByID returns the term for id, materializing a bare term on a miss.
func (t *Taxonomy) ByID(id string) *Term {
	t.mu.RLock()
	term, ok := t.byID[id]
	t.mu.RUnlock()
	if ok {
		return term
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if term, ok := t.byID[id]; ok {
		return term
	}
	term = &Term{ID: id, Name: id}
	t.byID[id] = term
	return term
}

// ByPath returns the term with the given full path, or nil.
func (t *Taxonomy) ByPath(path string) *Term {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byPath[path]
}

// Len returns the number of known terms.
func (t *Taxonomy) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
