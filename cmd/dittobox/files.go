package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/marmos91/dittobox/pkg/box"
	"github.com/marmos91/dittobox/pkg/store/metadata"
	"github.com/spf13/cobra"
)

func newLsCmd() *cobra.Command {
	var recursive bool
	lsCmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a folder",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := "/"
			if len(args) == 1 {
				p = args[0]
			}
			ctx := cmd.Context()
			return withIndex(ctx, func(_ *session, index *box.Navigation) error {
				folder, err := walk(ctx, index, splitPath(p))
				if err != nil {
					return err
				}
				if recursive {
					return folder.Visit(ctx, func(path string, _ *metadata.FileEntry, folder *metadata.FolderEntry) error {
						if folder != nil {
							path += "/"
						}
						fmt.Println(path)
						return nil
					})
				}
				return printFolder(ctx, folder)
			})
		},
	}
	lsCmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "list subfolders recursively")
	return lsCmd
}

func printFolder(ctx context.Context, folder *box.Navigation) error {
	folders, err := folder.ListFolders(ctx)
	if err != nil {
		return err
	}
	files, err := folder.ListFiles(ctx)
	if err != nil {
		return err
	}
	externals, err := folder.ListExternals(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSIZE\tMODIFIED\tSHARED")
	for _, f := range folders {
		_, _ = fmt.Fprintf(w, "%s/\t-\t-\t-\n", f.Name)
	}
	for _, f := range files {
		modified := time.UnixMilli(f.MTime).Format("2006-01-02 15:04")
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%t\n", f.Name, f.Size, modified, f.IsShared())
	}
	for _, e := range externals {
		_, _ = fmt.Fprintf(w, "%s\t-\t-\tfrom %s\n", e.Name, e.Owner.Hex())
	}
	return w.Flush()
}

func newPutCmd() *cobra.Command {
	var overwrite bool
	putCmd := &cobra.Command{
		Use:   "put <local> <remote>",
		Short: "Upload a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, name, err := splitParent(args[1])
			if err != nil {
				return err
			}
			src, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			ctx := cmd.Context()
			return withIndex(ctx, func(_ *session, index *box.Navigation) error {
				folder, err := walk(ctx, index, dirs)
				if err != nil {
					return err
				}
				var file *metadata.FileEntry
				if overwrite {
					file, err = folder.Overwrite(ctx, name, src)
				} else {
					file, err = folder.Upload(ctx, name, src)
				}
				if err != nil {
					return err
				}
				if err := folder.Commit(ctx); err != nil {
					return err
				}
				fmt.Printf("Uploaded %s (%d bytes)\n", file.Name, file.Size)
				return nil
			})
		},
	}
	putCmd.Flags().BoolVarP(&overwrite, "overwrite", "o", false, "replace an existing file")
	return putCmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote> <local>",
		Short: "Download a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withFile(ctx, args[0], func(_ *session, folder *box.Navigation, file *metadata.FileEntry) error {
				content, err := folder.Download(ctx, file)
				if err != nil {
					return err
				}
				defer func() { _ = content.Close() }()
				return writeLocal(args[1], content)
			})
		},
	}
}

// writeLocal copies r to path, removing the partial file on failure.
func writeLocal(path string, r io.Reader) error {
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	n, err := io.Copy(dst, r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	fmt.Printf("Downloaded %d bytes to %s\n", n, path)
	return nil
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, name, err := splitParent(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withIndex(ctx, func(_ *session, index *box.Navigation) error {
				parent, err := walk(ctx, index, dirs)
				if err != nil {
					return err
				}
				if _, err := parent.CreateFolder(ctx, name); err != nil {
					return err
				}
				return parent.Commit(ctx)
			})
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or a folder with its contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, name, err := splitParent(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withIndex(ctx, func(_ *session, index *box.Navigation) error {
				parent, err := walk(ctx, index, dirs)
				if err != nil {
					return err
				}
				isFolder, err := parent.HasFolder(ctx, name)
				if err != nil {
					return err
				}
				if isFolder {
					folder, err := parent.GetFolder(ctx, name)
					if err != nil {
						return err
					}
					if err := parent.DeleteFolder(ctx, folder); err != nil {
						return err
					}
				} else {
					file, err := parent.GetFile(ctx, name)
					if err != nil {
						return err
					}
					if err := parent.DeleteFile(ctx, file); err != nil {
						return err
					}
				}
				return parent.Commit(ctx)
			})
		},
	}
}
