// Package progress folds the daemon's per-layer progress objects into one
// cumulative document keyed by layer identifier.
package progress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// IDField names the field that identifies the layer an update belongs to.
const IDField = "id"

// Entry is the merged state of one layer. Its shape is whatever the daemon sent.
type Entry map[string]any

// Document maps layer identifiers to their merged entries. It is not safe
// for concurrent use; the pull loop is its only writer.
type Document struct {
	entries map[string]Entry
}

func NewDocument() *Document {
	return &Document{entries: make(map[string]Entry)}
}

// Merge overwrites the entry for obj's identifier with every field in obj.
// Fields obj does not mention are left as they were. Objects that are not
// JSON objects, or whose identifier is missing or not a string, are dropped
// and Merge returns false.
func (d *Document) Merge(obj any) bool {
	fields, ok := obj.(map[string]any)
	if !ok {
		return false
	}
	id, ok := fields[IDField].(string)
	if !ok {
		return false
	}

	entry, ok := d.entries[id]
	if !ok {
		entry = Entry{}
		d.entries[id] = entry
	}
	for k, v := range fields {
		entry[k] = v
	}
	return true
}

// Get returns a copy of the entry for id.
func (d *Document) Get(id string) (Entry, bool) {
	entry, ok := d.entries[id]
	if !ok {
		return nil, false
	}
	out := make(Entry, len(entry))
	for k, v := range entry {
		out[k] = v
	}
	return out, true
}

func (d *Document) Len() int {
	return len(d.entries)
}

// IDs returns the identifiers in the order they are serialized.
func (d *Document) IDs() []string {
	ids := make([]string, 0, len(d.entries))
	for id := range d.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.entries)
}

// MarshalIndent renders the document with two-space indentation. Keys are
// sorted at every level, so the output only changes when the content does.
func (d *Document) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(d.entries, "", "  ")
}

func (d *Document) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	entries := make(map[string]Entry)
	if err := dec.Decode(&entries); err != nil {
		return fmt.Errorf("failed to decode progress document: %w", err)
	}
	if entries == nil {
		entries = make(map[string]Entry)
	}
	d.entries = entries
	return nil
}
