package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/noFAYZ/sync-tracker/internal/store"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/spf13/cobra"
)

var (
	statusURL      string
	statusSnapshot string
	statusEntity   string
	statusFollow   bool
	statusCount    int
)

// statusCmd prints the summary of a running tracker or of a snapshot file,
// or follows its NATS broadcasts
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long: `Print the aggregate sync summary of a running tracker, or read a local
snapshot file written by the bolt snapshot store. With --follow, print the
state and summary broadcasts of a tracker as JSON lines (NATS_* settings).

Examples:
  sync-tracker status
  sync-tracker status --url http://tracker:8080
  sync-tracker status --snapshot ~/.sync-tracker/snapshots.db
  sync-tracker status --snapshot ./snap.db --entity crypto/w1
  sync-tracker status --follow --count 10`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusURL, "url", "u", "http://localhost:8080", "Tracker base URL")
	statusCmd.Flags().StringVar(&statusSnapshot, "snapshot", "", "Read a bolt snapshot file instead of the API")
	statusCmd.Flags().StringVarP(&statusEntity, "entity", "e", "", "Show one entity as <domain>/<id> (snapshot only)")
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Follow state broadcasts over NATS")
	statusCmd.Flags().IntVar(&statusCount, "count", 0, "Stop following after this many messages (0 = until interrupted)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusFollow {
		if statusSnapshot != "" || statusEntity != "" {
			return fmt.Errorf("--follow cannot be combined with --snapshot or --entity")
		}
		return runFollow(cmd.Context(), cmd.OutOrStdout(), statusCount)
	}

	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")

	if statusSnapshot != "" {
		v, err := readSnapshotStatus(cmd.Context(), statusSnapshot, statusEntity)
		if err != nil {
			return err
		}
		return out.Encode(v)
	}
	if statusEntity != "" {
		return fmt.Errorf("--entity requires --snapshot")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	summary, err := fetchSummary(ctx, http.DefaultClient, statusURL)
	if err != nil {
		return err
	}
	return out.Encode(summary)
}

func fetchSummary(ctx context.Context, client *http.Client, baseURL string) (models.AggregateSummary, error) {
	var summary models.AggregateSummary

	url := strings.TrimRight(baseURL, "/") + "/api/v1/sync/summary"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return summary, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return summary, fmt.Errorf("failed to reach tracker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return summary, fmt.Errorf("tracker returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return summary, fmt.Errorf("failed to decode summary: %w", err)
	}
	return summary, nil
}

func readSnapshotStatus(ctx context.Context, path, entity string) (interface{}, error) {
	bolt, err := store.NewBoltStore(path)
	if err != nil {
		return nil, err
	}
	defer bolt.Close()

	if entity == "" {
		return bolt.LoadSnapshot(ctx)
	}

	domainName, id, ok := strings.Cut(entity, "/")
	if !ok || id == "" {
		return nil, fmt.Errorf("entity must be <domain>/<id>, got %q", entity)
	}
	domain, err := models.ParseDomain(domainName)
	if err != nil {
		return nil, err
	}
	st, found, err := bolt.Entity(domain, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("entity %s not found in snapshot", entity)
	}
	return st, nil
}
