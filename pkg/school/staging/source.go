package staging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Snapshot is one full (non-delta) staging extract of a source entity as
// of a run: every row the source system currently has, keyed only by the
// source's natural keys.
type Snapshot struct {
	Entity  string
	Rows    []Row
	TakenAt time.Time
	Key     string // object key the snapshot was read from, for logging
}

// Source provides staging snapshots per entity. Implementations exist
// for S3 and an in-memory mock used by tests.
type Source interface {
	// FetchLatest retrieves the most recent snapshot for the entity.
	FetchLatest(ctx context.Context, entity string) (*Snapshot, error)

	// Close releases any resources held by the source.
	Close() error
}

// parseSnapshot decodes JSONL snapshot content: one JSON object per
// line, blank lines ignored. A malformed line fails the whole snapshot —
// a truncated extract must abort the run rather than load partially.
func parseSnapshot(entity, key string, takenAt time.Time, data []byte) (*Snapshot, error) {
	var rows []Row
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var row Row
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", key, lineNo, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", key, err)
	}
	return &Snapshot{
		Entity:  entity,
		Rows:    rows,
		TakenAt: takenAt,
		Key:     key,
	}, nil
}

// timestampFromKey recovers the snapshot timestamp from object keys of
// the form <prefix>/<entity>/<RFC3339-ish ts>.jsonl. Colons are commonly
// flattened to dashes in object names, so both spellings are accepted.
func timestampFromKey(key string) (time.Time, bool) {
	base := key
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		base = key[i+1:]
	}
	base = strings.TrimSuffix(base, ".jsonl")
	for _, layout := range []string{"2006-01-02T15:04:05Z", "2006-01-02T15-04-05Z", "2006-01-02"} {
		if ts, err := time.Parse(layout, base); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
