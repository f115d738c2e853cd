// Command reconcile is a standalone maintenance tool for the audit_log
// Postgres table: it lists stuck jobs (status_event rows whose most
// recent state is neither confirmed, failed nor rolled_back, older than
// a staleness window) so an operator can decide whether to force a
// rollback through the admin API. It talks to Postgres directly with
// database/sql and lib/pq rather than going through GORM, the same
// split the reference backend uses between its ORM-backed service code
// and its one-off database/sql check scripts.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("RELAYER_AUDIT_POSTGRES_DSN"), "postgres DSN for the audit log database")
	staleAfter := flag.Duration("stale-after", 30*time.Minute, "how long a job can sit in a non-terminal state before being reported stuck")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("reconcile: -dsn or RELAYER_AUDIT_POSTGRES_DSN must be set")
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		log.Fatalf("reconcile: open database: %v", err)
	}
	defer db.Close()

	stuck, err := findStuckJobs(db, *staleAfter)
	if err != nil {
		log.Fatalf("reconcile: %v", err)
	}

	if len(stuck) == 0 {
		fmt.Println("no stuck jobs found")
		return
	}

	fmt.Printf("%d stuck job(s) found (no terminal status_event in the last %s):\n", len(stuck), *staleAfter)
	for _, j := range stuck {
		fmt.Printf("  job_id=%s last_detail=%q recorded_at=%s\n", j.JobID, j.LastDetail, j.RecordedAt.Format(time.RFC3339))
	}
}

type stuckJob struct {
	JobID      string
	LastDetail string
	RecordedAt time.Time
}

// findStuckJobs finds the most recent status_event row per job id and
// returns the ones whose detail doesn't mention a terminal state and
// whose timestamp is older than staleAfter.
func findStuckJobs(db *sql.DB, staleAfter time.Duration) ([]stuckJob, error) {
	rows, err := db.Query(`
		SELECT DISTINCT ON (job_id) job_id, detail, recorded_at
		FROM audit_log
		WHERE kind = 'status_event'
		ORDER BY job_id, recorded_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query latest status events: %w", err)
	}
	defer rows.Close()

	cutoff := time.Now().Add(-staleAfter).Unix()
	var out []stuckJob
	for rows.Next() {
		var jobID, detail string
		var recordedAt int64
		if err := rows.Scan(&jobID, &detail, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan status event row: %w", err)
		}
		if recordedAt >= cutoff {
			continue
		}
		if isTerminalDetail(detail) {
			continue
		}
		out = append(out, stuckJob{JobID: jobID, LastDetail: detail, RecordedAt: time.Unix(recordedAt, 0)})
	}
	return out, rows.Err()
}

func isTerminalDetail(detail string) bool {
	for _, state := range []string{"state=confirmed", "state=failed", "state=rolled_back"} {
		if strings.Contains(detail, state) {
			return true
		}
	}
	return false
}
