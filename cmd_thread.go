package main

import (
	"sort"
	"time"

	"github.com/spf13/cobra"

	"nostr-engine/internal/feed"
	"nostr-engine/internal/nips"
)

var (
	threadWait      time.Duration
	threadReactions bool
)

func init() {
	threadCmd.Flags().DurationVar(&threadWait, "wait", 5*time.Second, "how long to follow reply chains")
	threadCmd.Flags().BoolVar(&threadReactions, "reactions", true, "include reactions and reposts")
	rootCmd.AddCommand(threadCmd)
}

var threadCmd = &cobra.Command{
	Use:   "thread <note-id>",
	Short: "Follow a thread and print every note in it, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runThread,
}

func runThread(cmd *cobra.Command, args []string) error {
	id, err := nips.DecodeToHex(args[0], "note")
	if err != nil {
		return err
	}

	e, err := startEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	opts := feed.DefaultThreadOptions()
	opts.Reactions = threadReactions
	th := feed.NewThread(e.sys, id, opts)
	defer th.Close()

	select {
	case <-time.After(threadWait):
	case <-cmd.Context().Done():
	}

	events := th.Store().Snapshot().Events
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt < events[j].CreatedAt
	})
	return printEvents(events)
}
