package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tunjid/heron-sub003/internal/db"
	"github.com/tunjid/heron-sub003/internal/models"
)

var (
	itemsFeed  string
	itemsLimit int
	itemsYes   bool
	itemsByRef bool
)

func init() {
	rootCmd.AddCommand(itemsCmd)
	itemsCmd.AddCommand(itemsListCmd)
	itemsCmd.AddCommand(itemsFeedsCmd)
	itemsCmd.AddCommand(itemsClearCmd)
	itemsCmd.AddCommand(itemsShowCmd)

	itemsListCmd.Flags().StringVar(&itemsFeed, "feed", "", "feed to list (defaults to the selected feed)")
	itemsListCmd.Flags().IntVarP(&itemsLimit, "limit", "n", 20, "maximum items to show")
	itemsClearCmd.Flags().StringVar(&itemsFeed, "feed", "", "feed to clear (defaults to the selected feed)")
	itemsShowCmd.Flags().StringVar(&itemsFeed, "feed", "", "feed to look in (defaults to the selected feed)")
	itemsShowCmd.Flags().BoolVar(&itemsByRef, "ref", false, "treat the argument as a mutation key, e.g. post:<client-id>")
	itemsClearCmd.Flags().BoolVarP(&itemsYes, "yes", "y", false, "do not ask for confirmation")
}

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Inspect the local item cache",
}

var itemsListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List cached items of a feed, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		feed := resolveFeed(itemsFeed)
		items, err := db.NewItemRepository(database).List(context.Background(), feed, itemsLimit)
		if err != nil {
			return err
		}
		if structuredOutput() {
			return WriteOutput(stdout(), items)
		}
		if len(items) == 0 {
			if !IsQuiet() {
				fmt.Fprintf(stdout(), "No cached items in %s.\n", feed)
			}
			return nil
		}
		return writeTable(stdout(), []string{"SORT AT", "KIND", "AUTHOR", "URI", "BODY"}, itemRows(items))
	},
}

func itemRows(items []models.Item) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		body := item.Body
		if body == "" {
			body = item.Subject
		}
		rows = append(rows, []string{
			formatTime(item.SortAt),
			string(item.Kind),
			item.Author,
			item.URI,
			body,
		})
	}
	return rows
}

var itemsFeedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "List cached feeds with their item counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		feeds, err := db.NewItemRepository(database).Feeds(context.Background())
		if err != nil {
			return err
		}
		if structuredOutput() {
			return WriteOutput(stdout(), feeds)
		}
		rows := make([][]string, 0, len(feeds))
		for _, fc := range feeds {
			rows = append(rows, []string{fc.Feed, strconv.FormatInt(fc.Items, 10)})
		}
		return writeTable(stdout(), []string{"FEED", "ITEMS"}, rows)
	},
}

var itemsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached item of a feed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		feed := resolveFeed(itemsFeed)
		if !itemsYes && !structuredOutput() {
			return fmt.Errorf("refusing to clear %s without --yes", feed)
		}

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		removed, err := db.NewItemRepository(database).Clear(context.Background(), feed)
		if err != nil {
			return err
		}
		if structuredOutput() {
			return WriteOutput(stdout(), map[string]any{"feed": feed, "removed": removed})
		}
		if !IsQuiet() {
			fmt.Fprintf(stdout(), "Removed %s from %s.\n", plural(int(removed), "item"), feed)
		}
		return nil
	},
}

var itemsShowCmd = &cobra.Command{
	Use:   "show <uri>",
	Short: "Show one cached item, or the confirmed item of a mutation with --ref",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		feed := resolveFeed(itemsFeed)
		repo := db.NewItemRepository(database)
		var item *models.Item
		if itemsByRef {
			item, err = repo.FindByClientRef(context.Background(), feed, args[0])
		} else {
			item, err = repo.Get(context.Background(), feed, args[0])
		}
		if errors.Is(err, db.ErrItemNotFound) {
			return fmt.Errorf("%s: no cached item %s", feed, args[0])
		}
		if err != nil {
			return err
		}

		if structuredOutput() {
			return WriteOutput(stdout(), item)
		}
		return writeTable(stdout(), []string{"SORT AT", "KIND", "AUTHOR", "URI", "BODY"}, itemRows([]models.Item{*item}))
	},
}
