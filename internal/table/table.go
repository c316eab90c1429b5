// Package table implements the in-memory file table of a MyFS volume:
// the registry of active and soft-deleted entries, its name-uniqueness
// and lifecycle rules, and the JSON form stored encrypted inside the
// volume.
package table

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is written to new tables. Existing tables keep whatever
// version they carry.
const Version = "2.0"

var (
	// ErrFileNotFound is returned when an operation targets a name with
	// no matching entry. A missing target is always an error, never a
	// silent no-op.
	ErrFileNotFound = errors.New("myfs: file not found")

	// ErrFileExists is returned when restoring a deleted entry would
	// collide with a live entry of the same name.
	ErrFileExists = errors.New("myfs: file already exists")
)

// Table is the registry of file entries. Entries keep insertion order;
// at most one non-deleted entry exists per name.
type Table struct {
	Version string    `json:"version"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
	Files   []*Entry  `json:"files"`
}

// New returns an empty table stamped with now.
func New(now time.Time) *Table {
	return &Table{
		Version: Version,
		Created: now,
		Updated: now,
		Files:   []*Entry{},
	}
}

// Find returns the entry with the given name, or nil. With
// includeDeleted false only the live entry qualifies; with true a live
// entry wins over a deleted one of the same name.
func (t *Table) Find(name string, includeDeleted bool) *Entry {
	if e := t.Live(name); e != nil {
		return e
	}
	if includeDeleted {
		return t.FindDeleted(name)
	}
	return nil
}

// Live returns the non-deleted entry with the given name, or nil.
func (t *Table) Live(name string) *Entry {
	for _, e := range t.Files {
		if e.Name == name && !e.Deleted {
			return e
		}
	}
	return nil
}

// FindDeleted returns the soft-deleted entry with the given name, or nil.
func (t *Table) FindDeleted(name string) *Entry {
	for _, e := range t.Files {
		if e.Name == name && e.Deleted {
			return e
		}
	}
	return nil
}

// InsertOrReplace adds entry to the table. An existing live entry with
// the same name is replaced in place (import overwrite semantics);
// otherwise the entry is appended.
func (t *Table) InsertOrReplace(entry *Entry) {
	for i, e := range t.Files {
		if e.Name == entry.Name && !e.Deleted {
			t.Files[i] = entry
			return
		}
	}
	t.Files = append(t.Files, entry)
}

// MarkDeleted soft-deletes the live entry with the given name, setting
// the flag and timestamp. Content is untouched until the next repack or
// purge.
func (t *Table) MarkDeleted(name string, now time.Time) error {
	e := t.Live(name)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	e.Deleted = true
	e.DeletedTime = &now
	return nil
}

// Remove drops the live entry with the given name entirely.
func (t *Table) Remove(name string) error {
	for i, e := range t.Files {
		if e.Name == name && !e.Deleted {
			t.Files = append(t.Files[:i], t.Files[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrFileNotFound, name)
}

// Restore clears the deleted flag on a soft-deleted entry. It fails
// when no deleted entry exists, or when a live entry already claims the
// name.
func (t *Table) Restore(name string) error {
	e := t.FindDeleted(name)
	if e == nil {
		return fmt.Errorf("%w: no deleted entry named %s", ErrFileNotFound, name)
	}
	if t.Live(name) != nil {
		return fmt.Errorf("%w: cannot restore %s", ErrFileExists, name)
	}
	e.Deleted = false
	e.DeletedTime = nil
	return nil
}

// Purge removes all soft-deleted entries and returns how many were
// dropped. Their content space is reclaimed by the following repack.
func (t *Table) Purge() int {
	kept := t.Files[:0]
	purged := 0
	for _, e := range t.Files {
		if e.Deleted {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	t.Files = kept
	return purged
}

// List returns entry copies in insertion order. Deleted entries are
// included only when requested.
func (t *Table) List(includeDeleted bool) []*Entry {
	out := make([]*Entry, 0, len(t.Files))
	for _, e := range t.Files {
		if e.Deleted && !includeDeleted {
			continue
		}
		out = append(out, e.clone())
	}
	return out
}

// ListDeleted returns copies of the soft-deleted entries only.
func (t *Table) ListDeleted() []*Entry {
	out := make([]*Entry, 0)
	for _, e := range t.Files {
		if e.Deleted {
			out = append(out, e.clone())
		}
	}
	return out
}

// Encode serializes the table to its canonical JSON form and stamps
// Updated. Soft-deleted entries are carried on the main list with the
// deleted flag; the legacy deleted_files side-list is never written.
func (t *Table) Encode(now time.Time) ([]byte, error) {
	t.Updated = now
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("table: encode: %w", err)
	}
	return data, nil
}

// legacyTable accepts the historical on-disk shape, where old volumes
// kept soft-deleted entries on a deleted_files side-list instead of
// flagging them in place.
type legacyTable struct {
	Version      string    `json:"version"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
	Files        []*Entry  `json:"files"`
	DeletedFiles []*Entry  `json:"deleted_files"`
}

// Decode parses a table from JSON, normalizing any legacy side-list
// into deleted flags. The normalized form is persisted on the next
// rewrite.
func Decode(data []byte) (*Table, error) {
	var raw legacyTable
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("table: decode: %w", err)
	}

	t := &Table{
		Version: raw.Version,
		Created: raw.Created,
		Updated: raw.Updated,
		Files:   raw.Files,
	}
	if t.Version == "" {
		t.Version = Version
	}
	if t.Files == nil {
		t.Files = []*Entry{}
	}
	for _, e := range raw.DeletedFiles {
		e.Deleted = true
		if e.DeletedTime == nil {
			tm := raw.Updated
			e.DeletedTime = &tm
		}
		t.Files = append(t.Files, e)
	}
	return t, nil
}
