package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/noFAYZ/sync-tracker/internal/messaging"
	"github.com/noFAYZ/sync-tracker/internal/store"
	"github.com/noFAYZ/sync-tracker/internal/tracker"
	"github.com/noFAYZ/sync-tracker/pkg/config"
	"github.com/noFAYZ/sync-tracker/pkg/logger"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	replaySource  string
	replayPersist string
	replayPublish bool
)

// replayCmd feeds recorded events through a fresh tracker
var replayCmd = &cobra.Command{
	Use:   "replay [file]",
	Short: "Replay recorded sync events",
	Long: `Read newline delimited JSON events and dispatch them through a fresh tracker,
then print the resulting registries and summary. Use - to read from stdin.

Events without a domain hint are attributed to the --source domain. With
--publish every parsed event is also sent to sync.events.<domain> on NATS
(NATS_* settings), so a tracker running the nats transport sees it live.

Examples:
  sync-tracker replay events.ndjson
  sync-tracker replay --source crypto - < wallet-events.ndjson
  sync-tracker replay --persist ./snap.db events.ndjson
  sync-tracker replay --publish events.ndjson`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVarP(&replaySource, "source", "s", "banking", "Stream the events were read from")
	replayCmd.Flags().StringVar(&replayPersist, "persist", "", "Write the final snapshot to this bolt file")
	replayCmd.Flags().BoolVar(&replayPublish, "publish", false, "Also publish the events on NATS")
}

type replayReport struct {
	Lines    int                                    `json:"lines"`
	Stats    tracker.DispatchStats                  `json:"stats"`
	Summary  models.AggregateSummary                `json:"summary"`
	Entities map[models.Domain][]tracker.EntityView `json:"entities"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	source, err := models.ParseDomain(replaySource)
	if err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	log := logger.Discard()
	if verbose {
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.DebugLevel)
	}

	var pub eventPublisher
	if replayPublish {
		if _, err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		client, err := messaging.NewNATSClient(&cfg.NATS, log)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := client.Drain(ctx); err != nil {
				log.WithError(err).Warn("Failed to drain NATS connection")
			}
		}()
		pub = client
	}

	tr := tracker.New(tracker.Options{Logger: log})
	lines, err := replayEvents(in, tr, source, pub)
	if err != nil {
		return err
	}

	if replayPersist != "" {
		bolt, err := store.NewBoltStore(replayPersist)
		if err != nil {
			return err
		}
		defer bolt.Close()
		if err := tr.Persist(cmd.Context(), bolt); err != nil {
			return err
		}
	}

	report, err := buildReplayReport(tr, lines)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

type jsonDispatcher interface {
	DispatchJSON(source models.Domain, data []byte) tracker.DispatchResult
}

type eventPublisher interface {
	PublishEvent(domain models.Domain, event models.RawEvent) error
}

// replayEvents dispatches every non-empty line of r and returns how many were read.
// With a publisher, every line that parsed is also published to the domain it was routed to.
func replayEvents(r io.Reader, d jsonDispatcher, source models.Domain, pub eventPublisher) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lines := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines++
		res := d.DispatchJSON(source, line)
		if pub == nil || res.Kind == tracker.ResultMalformed {
			continue
		}
		if err := publishReplayed(pub, res, source, line); err != nil {
			return lines, err
		}
	}
	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("failed to read events: %w", err)
	}
	return lines, nil
}

func publishReplayed(pub eventPublisher, res tracker.DispatchResult, source models.Domain, line []byte) error {
	var raw models.RawEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil
	}
	domain := res.Domain
	if domain == "" {
		domain = source
	}
	if err := pub.PublishEvent(domain, raw); err != nil {
		return fmt.Errorf("failed to publish replayed event: %w", err)
	}
	return nil
}

func buildReplayReport(tr *tracker.Tracker, lines int) (replayReport, error) {
	report := replayReport{
		Lines:    lines,
		Stats:    tr.Stats(),
		Summary:  tr.GetAggregateSnapshot(),
		Entities: make(map[models.Domain][]tracker.EntityView),
	}
	for _, d := range tr.Domains() {
		states, err := tr.GetSnapshot(d)
		if err != nil {
			return report, err
		}
		report.Entities[d] = tr.Views(states)
	}
	return report, nil
}
