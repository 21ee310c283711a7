package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/marmos91/dittobox/pkg/box"
	"github.com/marmos91/dittobox/pkg/crypto"
	"github.com/marmos91/dittobox/pkg/store/metadata"
	"github.com/spf13/cobra"
)

func newShareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share <path> <recipient-hex>",
		Short: "Share a file with another owner",
		Long: `Grant read access to a file.

The printed reference is handed to the recipient out of band. It contains
the key of the file's metadata, so anyone holding it can read the file
until it is unshared.

Examples:
  dittobox share /docs/report.pdf 3f1c...e9
  dittobox fetch <reference> ./report.pdf`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipient, err := crypto.ParsePublicKey(args[1])
			if err != nil {
				return fmt.Errorf("invalid recipient key: %w", err)
			}
			ctx := cmd.Context()
			return withFile(ctx, args[0], func(_ *session, folder *box.Navigation, file *metadata.FileEntry) error {
				ref, err := folder.Share(ctx, file, recipient)
				if err != nil {
					return err
				}
				// Share commits the index; the folder holds the new share fields.
				if err := folder.Commit(ctx); err != nil {
					return err
				}
				encoded, err := ref.MarshalBinary()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(encoded))
				return nil
			})
		},
	}
}

func newUnshareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unshare <path>",
		Short: "Revoke every share of a file",
		Long: `Revoke every share of a file and delete its shared metadata.

The content key is not rotated. A recipient that already fetched the
metadata can still decrypt the current content; overwrite the file to
cut them off.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withFile(ctx, args[0], func(_ *session, folder *box.Navigation, file *metadata.FileEntry) error {
				if _, err := folder.Unshare(ctx, file); err != nil {
					return err
				}
				return folder.Commit(ctx)
			})
		},
	}
}

func newSharesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shares <path>",
		Short: "List the recipients of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withFile(ctx, args[0], func(_ *session, folder *box.Navigation, file *metadata.FileEntry) error {
				shares, err := folder.GetSharesOf(ctx, file)
				if err != nil {
					return err
				}
				if len(shares) == 0 {
					fmt.Println("File is not shared")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "RECIPIENT\tTYPE")
				for _, s := range shares {
					_, _ = fmt.Fprintf(w, "%s\t%s\n", s.Recipient, s.Type)
				}
				return w.Flush()
			})
		},
	}
}

// parseReference decodes the hex form printed by "share".
func parseReference(s string) (*box.ExternalReference, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid reference: %w", err)
	}
	var ref box.ExternalReference
	if err := ref.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("invalid reference: %w", err)
	}
	return &ref, nil
}

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <reference> <local>",
		Short: "Download a file another owner shared with you",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseReference(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			meta, err := s.volume.ReadShare(ctx, ref)
			if err != nil {
				return err
			}
			content, err := s.volume.DownloadShare(ctx, meta)
			if err != nil {
				return err
			}
			defer func() { _ = content.Close() }()
			return writeLocal(args[1], content)
		},
	}
}
