package main

import (
	"time"

	"github.com/spf13/cobra"

	"nostr-engine/internal/feed"
)

var (
	timelineAuthors []string
	timelineWindow  time.Duration
	timelinePages   int
	timelineWait    time.Duration
	timelineReplies bool
	timelineLimit   int
)

func init() {
	fl := timelineCmd.Flags()
	fl.StringSliceVar(&timelineAuthors, "author", nil, "author pubkey (hex or npub1), global when empty")
	fl.DurationVar(&timelineWindow, "window", time.Hour, "time span of one page")
	fl.IntVar(&timelinePages, "pages", 1, "number of windows to page back through")
	fl.DurationVar(&timelineWait, "wait", 3*time.Second, "time to collect each page")
	fl.BoolVar(&timelineReplies, "replies", false, "include replies")
	fl.IntVar(&timelineLimit, "limit", 50, "events to print")
	rootCmd.AddCommand(timelineCmd)
}

var timelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Page back through a timeline and print it newest first",
	RunE:  runTimeline,
}

func runTimeline(cmd *cobra.Command, args []string) error {
	cfg := feed.DefaultTimelineConfig()
	cfg.Replies = timelineReplies
	if len(timelineAuthors) > 0 {
		authors, err := decodeAll(timelineAuthors, "npub")
		if err != nil {
			return err
		}
		cfg.Authors = authors
	}

	e, err := startEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	tl := feed.NewTimeline(e.sys, cfg, feed.NewTimelineWindow(time.Now(), timelineWindow))
	defer tl.Close()

	for page := 0; page < max(timelinePages, 1); page++ {
		if page > 0 {
			tl.Older()
		}
		select {
		case <-time.After(timelineWait):
		case <-cmd.Context().Done():
			return printEvents(tl.Events(timelineLimit))
		}
	}
	return printEvents(tl.Events(timelineLimit))
}
