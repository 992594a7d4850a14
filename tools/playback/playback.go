// Package playbacktool implements the botd playback CLI: cataloguing the
// archived day shards of a bot directory and replaying them in order.
package playbacktool

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"gatewaybot/botd/internal/playback"
)

// NewRootCommand builds the playback command tree.
func NewRootCommand() *cobra.Command {
	var dir string

	root := &cobra.Command{
		Use:           "playback",
		Short:         "Inspect and replay archived bot messages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dir, "dir", ".", "bot data directory holding the messages tree")
	root.AddCommand(newCatalogCommand(&dir))
	root.AddCommand(newPlayCommand(&dir))
	return root
}

func newCatalogCommand(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List day shards and their message ranges",
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := playback.BuildIndex(*dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range index.Ranges() {
				fmt.Fprintf(out, "%s  %6d..%-6d  %s\n",
					r.Day.Format("2006-01-02"), r.Start, r.Start+r.Count-1, r.Path)
			}
			fmt.Fprintf(out, "total: %d messages in %d shards\n",
				index.Total(), len(index.Ranges()))

			progress, err := playback.LoadProgress(*dir)
			if err != nil {
				return err
			}
			if progress.File != "" {
				fmt.Fprintf(out, "resume point: offset %d (%s index %d)\n",
					progress.Offset, progress.File, progress.Index)
			}
			return nil
		},
	}
}

func newPlayCommand(dir *string) *cobra.Command {
	var (
		offset int
		limit  int
		speed  float64
	)

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Stream archived messages from a logical offset",
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := playback.BuildIndex(*dir)
			if err != nil {
				return err
			}
			if index.Total() == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no archived messages")
				return nil
			}

			start := offset
			if start < 0 {
				progress, err := playback.LoadProgress(*dir)
				if err != nil {
					return err
				}
				start = progress.Offset
			}

			player := playback.NewPlayer(index, start)
			if err := stream(cmd.OutOrStdout(), player, limit, speed); err != nil {
				return err
			}
			return playback.SaveProgress(*dir, player.ProgressAt(player.Offset()))
		},
	}
	cmd.Flags().IntVar(&offset, "offset", -1, "start offset, -1 resumes from the saved position")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many messages, 0 for all")
	cmd.Flags().Float64Var(&speed, "speed", 0, "replay speed factor, 0 prints without pacing")
	return cmd
}

// stream prints records and paces them by their original spacing when a speed
// factor is given.
func stream(out io.Writer, player *playback.Player, limit int, speed float64) error {
	const maxPause = 5 * time.Second

	var lastStamp int64
	printed := 0
	for {
		if limit > 0 && printed >= limit {
			return nil
		}
		record, at, err := player.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		stamp, _ := strconv.ParseInt(record.T, 10, 64)
		if speed > 0 && lastStamp > 0 && stamp > lastStamp {
			pause := time.Duration(float64(stamp-lastStamp)/speed) * time.Second
			if pause > maxPause {
				pause = maxPause
			}
			time.Sleep(pause)
		}
		lastStamp = stamp

		line, err := formatRecord(at, stamp, record.M)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, line)
		printed++
	}
}

func formatRecord(offset int, stamp int64, raw json.RawMessage) (string, error) {
	when := time.Unix(stamp, 0).UTC().Format(time.RFC3339)
	var frame struct {
		Op int     `json:"op"`
		T  *string `json:"t"`
		D  struct {
			Content string `json:"content"`
		} `json:"d"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return "", fmt.Errorf("offset %d: %w", offset, err)
	}
	name := ""
	if frame.T != nil {
		name = *frame.T
	}
	if frame.D.Content != "" {
		return fmt.Sprintf("%6d  %s  op=%d %s  %s", offset, when, frame.Op, name, frame.D.Content), nil
	}
	return fmt.Sprintf("%6d  %s  op=%d %s", offset, when, frame.Op, name), nil
}
