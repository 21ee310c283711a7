package box

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/marmos91/dittobox/pkg/store/metadata"
)

// Diff returns the changes that turn before into after, expressed with the
// Change types recorded by a session:
//
//   - a folder added or removed is a CreateFolderChange or DeleteFolderChange
//   - a file added or removed is a CreateFileChange or DeleteFileChange
//   - a file whose block or share fields moved is an UpdateFileChange, which
//     covers overwrites as well as Share and Unshare
//   - an index share granted or revoked is an InsertShareChange or
//     DeleteShareChange
//
// Within each group the changes are ordered by name.
func Diff(ctx context.Context, before, after metadata.MetadataStore) ([]Change, error) {
	var changes []Change

	folders, err := diffFolders(ctx, before, after)
	if err != nil {
		return nil, err
	}
	changes = append(changes, folders...)

	files, err := diffFiles(ctx, before, after)
	if err != nil {
		return nil, err
	}
	changes = append(changes, files...)

	shares, err := diffShares(ctx, before, after)
	if err != nil {
		return nil, err
	}
	return append(changes, shares...), nil
}

func diffFolders(ctx context.Context, before, after metadata.MetadataStore) ([]Change, error) {
	old, err := before.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	current, err := after.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	byName := func(a, b *metadata.FolderEntry) int { return cmp.Compare(a.Name, b.Name) }
	slices.SortFunc(old, byName)
	slices.SortFunc(current, byName)

	same := func(list []*metadata.FolderEntry, f *metadata.FolderEntry) bool {
		return slices.ContainsFunc(list, func(o *metadata.FolderEntry) bool {
			return o.Name == f.Name && o.Ref == f.Ref
		})
	}

	var changes []Change
	for _, f := range old {
		if !same(current, f) {
			changes = append(changes, &DeleteFolderChange{Folder: f})
		}
	}
	for _, f := range current {
		if !same(old, f) {
			changes = append(changes, &CreateFolderChange{Folder: f})
		}
	}
	return changes, nil
}

func diffFiles(ctx context.Context, before, after metadata.MetadataStore) ([]Change, error) {
	old, err := before.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	current, err := after.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	byName := func(a, b *metadata.FileEntry) int { return cmp.Compare(a.Name, b.Name) }
	slices.SortFunc(old, byName)
	slices.SortFunc(current, byName)

	previous := make(map[string]*metadata.FileEntry, len(old))
	for _, f := range old {
		previous[f.Name] = f
	}
	remaining := make(map[string]struct{}, len(current))
	for _, f := range current {
		remaining[f.Name] = struct{}{}
	}

	var deleted, created, updated []Change
	for _, f := range old {
		if _, ok := remaining[f.Name]; !ok {
			deleted = append(deleted, &DeleteFileChange{File: f})
		}
	}
	for _, f := range current {
		was, ok := previous[f.Name]
		switch {
		case !ok:
			created = append(created, &CreateFileChange{File: f})
		case was.Block != f.Block || was.MetaRef != f.MetaRef:
			updated = append(updated, &UpdateFileChange{Old: was, New: f})
		}
	}

	changes := append(deleted, created...)
	return append(changes, updated...), nil
}

func diffShares(ctx context.Context, before, after metadata.MetadataStore) ([]Change, error) {
	old, err := before.ListShares(ctx)
	if err != nil {
		return nil, err
	}
	current, err := after.ListShares(ctx)
	if err != nil {
		return nil, err
	}
	byRef := func(a, b metadata.ShareEntry) int {
		return cmp.Or(cmp.Compare(a.Ref, b.Ref), cmp.Compare(a.Recipient, b.Recipient))
	}
	slices.SortFunc(old, byRef)
	slices.SortFunc(current, byRef)

	var changes []Change
	for _, s := range old {
		if !slices.Contains(current, s) {
			changes = append(changes, &DeleteShareChange{Share: s})
		}
	}
	for _, s := range current {
		if !slices.Contains(old, s) {
			changes = append(changes, &InsertShareChange{Share: s})
		}
	}
	return changes, nil
}

// Describe renders c for logs, e.g. "update_file report.pdf".
func Describe(c Change) string {
	switch c := c.(type) {
	case *CreateFileChange:
		return fmt.Sprintf("%s %s", c.Kind(), c.File.Name)
	case *UpdateFileChange:
		return fmt.Sprintf("%s %s", c.Kind(), c.New.Name)
	case *DeleteFileChange:
		return fmt.Sprintf("%s %s", c.Kind(), c.File.Name)
	case *CreateFolderChange:
		return fmt.Sprintf("%s %s", c.Kind(), c.Folder.Name)
	case *DeleteFolderChange:
		return fmt.Sprintf("%s %s", c.Kind(), c.Folder.Name)
	case *InsertShareChange:
		return fmt.Sprintf("%s %s to %s", c.Kind(), c.Share.Ref, c.Share.Recipient)
	case *DeleteShareChange:
		return fmt.Sprintf("%s %s from %s", c.Kind(), c.Share.Ref, c.Share.Recipient)
	default:
		return c.Kind().String()
	}
}
