// Package admin implements destructive and diagnostic warehouse
// operations for the admin CLI.
package admin

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lessonlab/warehouse/pkg/clickhouse"
)

// Tables the loader owns. ResetDB drops only these; anything else in
// the database is left alone.
var managedTables = []string{
	"dim_students", "dim_teachers", "dim_subjects",
	"fact_homeworks", "fact_lessons", "fact_sales",
	"run_log", "_run_lock",
	"goose_db_version",
}

// ResetDB drops every warehouse table so migrations can rebuild from
// scratch. Refuses to act without confirmation unless yes is set.
func ResetDB(log *slog.Logger, addr, database, username, password string, secure, dryRun, yes bool) error {
	ctx := context.Background()

	client, err := clickhouse.NewClient(ctx, log, addr, database, username, password, secure)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	defer client.Close()

	conn, err := client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	existing, err := listTables(ctx, conn)
	if err != nil {
		return err
	}

	var toDrop []string
	for _, t := range managedTables {
		if _, ok := existing[t]; ok {
			toDrop = append(toDrop, t)
		}
	}
	if len(toDrop) == 0 {
		log.Info("nothing to drop", "database", database)
		return nil
	}

	if dryRun {
		for _, t := range toDrop {
			log.Info("would drop table", "table", t)
		}
		return nil
	}

	if !yes {
		fmt.Printf("About to drop %d tables from %q: %s\nType 'yes' to continue: ",
			len(toDrop), database, strings.Join(toDrop, ", "))
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.TrimSpace(answer) != "yes" {
			return fmt.Errorf("aborted")
		}
	}

	for _, t := range toDrop {
		if err := conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", t)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", t, err)
		}
		log.Info("dropped table", "table", t)
	}
	return nil
}

// ClearRunLock force-releases a stuck advisory run lock, e.g. after a
// loader process was killed without cleanup.
func ClearRunLock(log *slog.Logger, addr, database, username, password string, secure, dryRun bool) error {
	ctx := context.Background()

	client, err := clickhouse.NewClient(ctx, log, addr, database, username, password, secure)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	defer client.Close()

	conn, err := client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx,
		"SELECT run_id, max(locked_at) FROM _run_lock GROUP BY run_id HAVING max(released) = 0")
	if err != nil {
		return fmt.Errorf("failed to query run lock: %w", err)
	}
	defer rows.Close()

	type lock struct {
		runID    string
		lockedAt time.Time
	}
	var held []lock
	for rows.Next() {
		var l lock
		if err := rows.Scan(&l.runID, &l.lockedAt); err != nil {
			return fmt.Errorf("failed to scan run lock: %w", err)
		}
		held = append(held, l)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read run locks: %w", err)
	}

	if len(held) == 0 {
		log.Info("no held run locks")
		return nil
	}
	for _, l := range held {
		if dryRun {
			log.Info("would release run lock", "runID", l.runID, "lockedAt", l.lockedAt)
			continue
		}
		syncCtx := clickhouse.ContextWithSyncInsert(ctx)
		if err := conn.Exec(syncCtx,
			"INSERT INTO _run_lock (run_id, locked_at, released) VALUES ($1, $2, 1)",
			l.runID, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to release run lock %s: %w", l.runID, err)
		}
		log.Info("released run lock", "runID", l.runID)
	}
	return nil
}

// RecentRuns prints the last n run_log entries.
func RecentRuns(log *slog.Logger, addr, database, username, password string, secure bool, n int) error {
	ctx := context.Background()

	client, err := clickhouse.NewClient(ctx, log, addr, database, username, password, secure)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	defer client.Close()

	conn, err := client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, fmt.Sprintf(
		"SELECT run_id, started_at, finished_at, load_date, success, error FROM run_log ORDER BY started_at DESC LIMIT %d", n))
	if err != nil {
		return fmt.Errorf("failed to query run log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			runID                 string
			startedAt, finishedAt time.Time
			loadDate              time.Time
			success               uint8
			runErr                string
		)
		if err := rows.Scan(&runID, &startedAt, &finishedAt, &loadDate, &success, &runErr); err != nil {
			return fmt.Errorf("failed to scan run log: %w", err)
		}
		outcome := "ok"
		if success == 0 {
			outcome = "FAILED: " + runErr
		}
		fmt.Printf("%s  %s  load_date=%s  duration=%s  %s\n",
			startedAt.Format(time.RFC3339), runID,
			loadDate.Format(time.DateOnly),
			finishedAt.Sub(startedAt).Round(time.Millisecond), outcome)
	}
	return rows.Err()
}

func listTables(ctx context.Context, conn clickhouse.Connection) (map[string]struct{}, error) {
	rows, err := conn.Query(ctx, "SHOW TABLES")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	tables := map[string]struct{}{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables[name] = struct{}{}
	}
	return tables, rows.Err()
}
