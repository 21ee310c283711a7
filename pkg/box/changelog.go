package box

import (
	"context"
	"fmt"
	"slices"

	"github.com/marmos91/dittobox/pkg/store/metadata"
)

// ChangeLog is the uncommitted work of one Navigation: the changes applied
// to the local snapshot since the last successful commit, and the blobs
// those changes orphaned.
//
// Tombstones come from two places. Local tombstones are recorded when a
// change is first applied and stay valid until the commit succeeds. Merge
// tombstones come from replaying the changes onto a remote snapshot and are
// valid only for the snapshot they were computed against, so every replay
// replaces them.
//
// Thread Safety:
// Not safe for concurrent use. The owning Navigation serializes access.
type ChangeLog struct {
	changes []Change
	local   []string
	merged  []string
}

// NewChangeLog returns an empty log.
func NewChangeLog() *ChangeLog {
	return &ChangeLog{}
}

// Record appends a change that has been applied to the local snapshot.
func (l *ChangeLog) Record(c Change) {
	l.changes = append(l.changes, c)
}

// Tombstone queues blob names for deletion after the next commit.
func (l *ChangeLog) Tombstone(names ...string) {
	for _, name := range names {
		if !slices.Contains(l.local, name) {
			l.local = append(l.local, name)
		}
	}
}

// Changes returns the recorded changes in order.
func (l *ChangeLog) Changes() []Change {
	return slices.Clone(l.changes)
}

// Len returns the number of recorded changes.
func (l *ChangeLog) Len() int {
	return len(l.changes)
}

// IsEmpty reports whether there is nothing to commit.
func (l *ChangeLog) IsEmpty() bool {
	return len(l.changes) == 0 && len(l.local) == 0 && len(l.merged) == 0
}

// Tombstones returns the deduplicated deletion queue, local entries first.
func (l *ChangeLog) Tombstones() []string {
	out := slices.Clone(l.local)
	for _, name := range l.merged {
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// Replay applies every change in order to store and returns the blob names
// the replay orphaned. The log itself is not modified.
//
// A change that lands under another name (a create renamed with
// ConflictSuffix) moves its block there. Later changes that refer to that
// block follow it to its new name instead of matching whatever now holds the
// recorded one.
func (l *ChangeLog) Replay(ctx context.Context, store metadata.MetadataStore) ([]string, error) {
	var deleted []string
	placed := make(map[string]string)
	for i, recorded := range l.changes {
		c := retarget(recorded, placed)
		res, err := c.Apply(ctx, store)
		if err != nil {
			return nil, fmt.Errorf("replay change %d (%s): %w", i, c.Kind(), err)
		}
		track(c, res, placed)
		for _, name := range res.Deleted {
			if !slices.Contains(deleted, name) {
				deleted = append(deleted, name)
			}
		}
	}
	return deleted, nil
}

// retarget rewrites a file change whose block was placed under a different
// name earlier in the same replay.
func retarget(c Change, placed map[string]string) Change {
	switch c := c.(type) {
	case *DeleteFileChange:
		if name, ok := placed[c.File.Block]; ok && name != c.File.Name {
			file := c.File.Clone()
			file.Name = name
			return &DeleteFileChange{File: file}
		}
	case *UpdateFileChange:
		if name, ok := placed[c.Old.Block]; ok && name != c.Old.Name {
			old, next := c.Old.Clone(), c.New.Clone()
			old.Name, next.Name = name, name
			return &UpdateFileChange{Old: old, New: next}
		}
	}
	return c
}

// track records where the blocks written by c ended up.
func track(c Change, res Result, placed map[string]string) {
	switch c := c.(type) {
	case *CreateFileChange:
		if res.File != nil {
			placed[c.File.Block] = res.File.Name
		}
	case *UpdateFileChange:
		if res.File != nil && res.File.Block == c.New.Block {
			placed[c.New.Block] = res.File.Name
		}
	case *DeleteFileChange:
		delete(placed, c.File.Block)
	}
}

// SharedRefs returns the FileMetadata refs that file changes in the log
// carry, in first-seen order.
func (l *ChangeLog) SharedRefs() []string {
	var refs []string
	add := func(file *metadata.FileEntry) {
		if file.MetaRef != "" && !slices.Contains(refs, file.MetaRef) {
			refs = append(refs, file.MetaRef)
		}
	}
	for _, c := range l.changes {
		switch c := c.(type) {
		case *CreateFileChange:
			add(c.File)
		case *UpdateFileChange:
			add(c.Old)
			add(c.New)
		}
	}
	return refs
}

// SetMerged replaces the merge tombstones after a successful replay.
func (l *ChangeLog) SetMerged(names []string) {
	l.merged = slices.Clone(names)
}

// Clear empties the log after a successful commit.
func (l *ChangeLog) Clear() {
	l.changes = nil
	l.local = nil
	l.merged = nil
}
