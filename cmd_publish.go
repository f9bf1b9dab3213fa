package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nostr-engine/internal/nips"
	"nostr-engine/internal/nostr"
	"nostr-engine/internal/types"
)

var (
	publishKind int
	publishTags []string
	publishTo   []string
)

func init() {
	fl := publishCmd.Flags()
	fl.IntVar(&publishKind, "kind", types.KindTextNote, "event kind")
	fl.StringSliceVar(&publishTags, "tag", nil, "tag as name=value[,value...] (repeatable)")
	fl.StringSliceVar(&publishTo, "to", nil, "publish over a one-shot connection to this relay and wait for OK (repeatable)")
	rootCmd.AddCommand(publishCmd)
}

var publishCmd = &cobra.Command{
	Use:   "publish <content>",
	Short: "Sign an event with $NOSTR_SECRET_KEY and publish it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPublish,
}

func runPublish(cmd *cobra.Command, args []string) error {
	secret := os.Getenv("NOSTR_SECRET_KEY")
	if secret == "" {
		return errors.New("NOSTR_SECRET_KEY is not set")
	}
	secretHex, err := nips.DecodeToHex(secret, "nsec")
	if err != nil {
		return err
	}
	priv, err := nostr.ParsePrivateKey(secretHex)
	if err != nil {
		return err
	}

	ev := types.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      publishKind,
		Content:   args[0],
	}
	for _, t := range publishTags {
		name, values, ok := strings.Cut(t, "=")
		if !ok || name == "" {
			return fmt.Errorf("invalid tag %q", t)
		}
		ev.Tags = append(ev.Tags, append([]string{name}, strings.Split(values, ",")...))
	}
	if err := nostr.SignEvent(&ev, priv); err != nil {
		return err
	}

	if len(publishTo) > 0 {
		e := newEngine()
		defer e.Close()

		g, ctx := errgroup.WithContext(cmd.Context())
		for _, addr := range publishTo {
			addr := addr
			g.Go(func() error {
				return e.sys.WriteOnceToRelay(ctx, addr, ev)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return printJSON(ev)
	}

	e, err := startEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	n := e.sys.BroadcastEvent(ev)
	if n == 0 {
		return errors.New("no writable relay accepted the event")
	}
	slog.Info("event broadcast", "event_id", ev.ID, "relays", n)
	return printJSON(ev)
}
