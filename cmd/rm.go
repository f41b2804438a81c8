package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rssbox/rssbox/internal/store"
)

// rmCmd removes or requeues downloads by id.
var rmCmd = &cobra.Command{
	Use:   "rm [ids...]",
	Short: "Delete downloads, or requeue failed ones with --requeue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requeue, _ := cmd.Flags().GetBool("requeue")

		ctx := cmd.Context()
		_, st, err := storeFromEnv(ctx)
		if err != nil {
			return err
		}
		defer st.Close(ctx)

		for _, arg := range args {
			d, err := resolveDownload(ctx, st, arg)
			if err != nil {
				if err == store.ErrNotFound {
					fmt.Printf("no download matching %s\n", arg)
					continue
				}
				return err
			}
			id := d.ID

			if !requeue {
				if err := st.DeleteDownload(ctx, id); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				fmt.Printf("deleted %s (%s)\n", d.Name, id)
				continue
			}

			if !d.Status.Terminal() {
				fmt.Printf("%s is %s, only failed downloads can be requeued\n", d.Name, d.Status)
				continue
			}
			d.Status = store.DownloadPending
			d.Hash = ""
			d.LockedBy = ""
			d.Retries = 0
			d.ExpireAt = nil
			if err := st.SaveDownload(ctx, d); err != nil {
				return fmt.Errorf("requeue %s: %w", id, err)
			}
			fmt.Printf("requeued %s (%s)\n", d.Name, id)
		}
		return nil
	},
}

func init() {
	rmCmd.Flags().Bool("requeue", false, "Reset failed downloads back to pending instead of deleting")
	rootCmd.AddCommand(rmCmd)
}

// resolveDownload accepts a full id or a unique prefix of one.
func resolveDownload(ctx context.Context, st store.Store, arg string) (*store.Download, error) {
	d, err := st.GetDownload(ctx, arg)
	if err == nil {
		return d, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	downloads, err := st.ListDownloads(ctx)
	if err != nil {
		return nil, err
	}
	var match *store.Download
	for i := range downloads {
		if strings.HasPrefix(downloads[i].ID, arg) {
			if match != nil {
				return nil, fmt.Errorf("id prefix %s is ambiguous", arg)
			}
			match = &downloads[i]
		}
	}
	if match == nil {
		return nil, store.ErrNotFound
	}
	return match, nil
}
