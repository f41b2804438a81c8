package cmd

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"
)

// addCmd queues downloads by hand, next to whatever the feeds bring in.
var addCmd = &cobra.Command{
	Use:   "add [urls...]",
	Short: "Queue torrent or magnet URLs as pending downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		fromClipboard, _ := cmd.Flags().GetBool("clipboard")
		name, _ := cmd.Flags().GetString("name")

		urls := args
		if fromClipboard {
			text, err := clipboard.ReadAll()
			if err != nil {
				return fmt.Errorf("read clipboard: %w", err)
			}
			for _, line := range strings.Fields(text) {
				urls = append(urls, line)
			}
		}
		if len(urls) == 0 {
			return fmt.Errorf("no URLs given (pass them as arguments or use --clipboard)")
		}
		if name != "" && len(urls) > 1 {
			return fmt.Errorf("--name only applies to a single URL")
		}

		ctx := cmd.Context()
		_, st, err := storeFromEnv(ctx)
		if err != nil {
			return err
		}
		defer st.Close(ctx)

		for _, raw := range urls {
			if err := validateDownloadURL(raw); err != nil {
				fmt.Printf("skipping %s: %v\n", raw, err)
				continue
			}
			title := name
			if title == "" {
				title = nameFromURL(raw)
			}
			id, err := st.InsertDownload(ctx, title, raw)
			if err != nil {
				return fmt.Errorf("queue %s: %w", raw, err)
			}
			fmt.Printf("queued %s (%s)\n", title, id)
		}
		return nil
	},
}

func init() {
	addCmd.Flags().Bool("clipboard", false, "Read URLs from the system clipboard")
	addCmd.Flags().String("name", "", "Display name for the download")
	rootCmd.AddCommand(addCmd)
}

func validateDownloadURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "magnet":
		return nil
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}

// nameFromURL derives a readable name when none is given: the display name
// from a magnet link, or the last path segment of an http URL.
func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Scheme == "magnet" {
		if dn := u.Query().Get("dn"); dn != "" {
			return dn
		}
		return raw
	}
	segments := strings.Split(strings.TrimSuffix(u.Path, "/"), "/")
	if last := segments[len(segments)-1]; last != "" {
		return strings.TrimSuffix(last, ".torrent")
	}
	return raw
}
