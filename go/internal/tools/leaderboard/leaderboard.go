package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/runnermp/runner-mp/go/internal/config"
	"github.com/runnermp/runner-mp/go/internal/protocol"
)

// Entry is one row of the leaderboard: a client's best run on a track.
type Entry struct {
	Cid       string
	BestRunMs float64
	Finishes  int
	Wins      int
	LastRace  time.Time
}

// Every finish counts towards finishes and wins; only timed runs rank.
const leaderboardQuery = `
SELECT cid,
       MIN(run_ms)                            AS best_run_ms,
       COUNT(*)                               AS finishes,
       COUNT(*) FILTER (WHERE winner)         AS wins,
       MAX(finished_at)                       AS last_race
FROM race_results
WHERE track_id = $1
GROUP BY cid
HAVING MIN(run_ms) IS NOT NULL
ORDER BY best_run_ms ASC, cid ASC
LIMIT $2`

func main() {
	trackID := flag.String("track", protocol.DefaultTrack, "track id")
	limit := flag.Int("limit", 10, "number of entries")
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.DatabaseFromEnv()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	entries, err := queryLeaderboard(ctx, pool, *trackID, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query leaderboard: %v\n", err)
		os.Exit(1)
	}

	if err := printLeaderboard(os.Stdout, *trackID, entries); err != nil {
		fmt.Fprintf(os.Stderr, "print leaderboard: %v\n", err)
		os.Exit(1)
	}
}

func queryLeaderboard(ctx context.Context, pool *pgxpool.Pool, trackID string, limit int) ([]Entry, error) {
	if limit < 1 {
		limit = 1
	}
	rows, err := pool.Query(ctx, leaderboardQuery, trackID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Cid, &e.BestRunMs, &e.Finishes, &e.Wins, &e.LastRace); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func printLeaderboard(w io.Writer, trackID string, entries []Entry) error {
	fmt.Fprintf(w, "Leaderboard for %s\n", trackID)
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no finished runs")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCID\tBEST\tFINISHES\tWINS\tLAST RACE")
	for i, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n",
			i+1, e.Cid, formatRunMs(e.BestRunMs), e.Finishes, e.Wins,
			e.LastRace.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

// formatRunMs renders a run time as m:ss.mmm.
func formatRunMs(ms float64) string {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms < 0 {
		return "-"
	}
	total := int64(math.Round(ms))
	minutes := total / 60000
	seconds := (total % 60000) / 1000
	millis := total % 1000
	return fmt.Sprintf("%d:%02d.%03d", minutes, seconds, millis)
}
