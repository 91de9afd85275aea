package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tunjid/heron-sub003/internal/config"
	"github.com/tunjid/heron-sub003/internal/models"
)

var (
	useViewer string
	useFeed   string
	useClear  bool
)

func init() {
	rootCmd.AddCommand(useCmd)
	rootCmd.AddCommand(contextCmd)
	useCmd.Flags().StringVar(&useViewer, "as", "", "viewer to select")
	useCmd.Flags().StringVar(&useFeed, "feed", "", "feed to select (home, conversation:<id>, ...)")
	useCmd.Flags().BoolVar(&useClear, "clear", false, "clear the stored selection")
}

var useCmd = &cobra.Command{
	Use:   "use",
	Short: "Select the viewer and feed later commands default to",
	Example: `  feedsync use --as did:example:alice --feed home
  feedsync use --feed conversation:c1
  feedsync use --clear`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if useClear {
			if err := contextStore.Clear(); err != nil {
				return err
			}
			if !IsQuiet() && !structuredOutput() {
				fmt.Fprintln(stdout(), "Context cleared.")
			}
			return nil
		}
		if useViewer == "" && useFeed == "" {
			return fmt.Errorf("nothing to select: pass --as, --feed or --clear")
		}

		ctx, err := contextStore.Update(func(ctx *config.Context) error {
			if useViewer != "" {
				ctx.SetViewer(useViewer)
			}
			if useFeed != "" {
				ctx.SetFeed(useFeed)
			}
			return nil
		})
		if err != nil {
			return err
		}

		if structuredOutput() {
			return WriteOutput(stdout(), ctx)
		}
		if !IsQuiet() {
			fmt.Fprintln(stdout(), ctx.String())
		}
		return nil
	},
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Show the stored viewer and feed selection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := contextStore.Load()
		if err != nil {
			return err
		}
		if structuredOutput() {
			return WriteOutput(stdout(), ctx)
		}
		fmt.Fprintln(stdout(), ctx.String())
		if len(ctx.RecentFeeds) > 1 && !IsQuiet() {
			fmt.Fprintf(stdout(), "recent feeds: %s\n", strings.Join(ctx.RecentFeeds[1:], ", "))
		}
		return nil
	},
}

// resolveFeed picks the feed a command acts on:
// 1. Explicit flag
// 2. Stored context from `feedsync use`
// 3. The home timeline
func resolveFeed(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if ctx, err := contextStore.Load(); err == nil && ctx.HasFeed() {
		return ctx.Feed
	}
	return models.FeedHome
}

// resolveViewer picks the viewer: --viewer or config, then stored context.
func resolveViewer() (string, error) {
	if viewer := GetConfig().Global.Viewer; viewer != "" {
		return viewer, nil
	}
	if ctx, err := contextStore.Load(); err == nil && ctx.HasViewer() {
		return ctx.Viewer, nil
	}
	return "", fmt.Errorf("no viewer selected: pass --viewer or run `feedsync use --as <viewer>`")
}
