package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gemcap/gemcap/config"
	"github.com/gemcap/gemcap/internal/history"
	"github.com/gemcap/gemcap/libs/log"
)

// MakeHistoryCommand returns the command listing, searching and clearing the
// visit history.
func MakeHistoryCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	var (
		limit   int
		suggest string
		clearAll bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show visited pages, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			return withEnvironment(conf, logger, func(env *environment) error {
				if clearAll {
					return env.history.Clear()
				}

				var entries []history.Entry
				if suggest != "" {
					entries, err = env.history.Suggest(suggest, limit)
				} else {
					entries, err = env.history.List(limit)
				}
				if err != nil {
					return err
				}
				if entries == nil {
					entries = []history.Entry{}
				}
				if ok, err := printStructured(cmd.OutOrStdout(), format, entries); ok || err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", e.VisitedAt.Format(time.RFC3339), e.URL, e.Title)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries")
	cmd.Flags().StringVar(&suggest, "suggest", "", "show entries matching a partial URL or title")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "delete the history; bookmarks are kept")
	return cmd
}

// MakeBookmarkCommand returns the command group managing bookmarks.
func MakeBookmarkCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bookmark",
		Short: "Manage bookmarks",
	}

	addCmd := &cobra.Command{
		Use:   "add URL [TITLE]",
		Short: "Bookmark a URL",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := ""
			if len(args) > 1 {
				title = args[1]
			}
			return withEnvironment(conf, logger, func(env *environment) error {
				_, err := env.history.AddBookmark(args[0], title)
				return err
			})
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove URL",
		Short: "Remove a bookmark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(conf, logger, func(env *environment) error {
				return env.history.RemoveBookmark(args[0])
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List bookmarks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			return withEnvironment(conf, logger, func(env *environment) error {
				marks, err := env.history.Bookmarks()
				if err != nil {
					return err
				}
				if ok, err := printStructured(cmd.OutOrStdout(), format, marks); ok || err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, b := range marks {
					fmt.Fprintf(tw, "%s\t%s\n", b.URL, b.Title)
				}
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(addCmd, removeCmd, listCmd)
	return cmd
}
