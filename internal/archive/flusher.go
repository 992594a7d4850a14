// Package archive persists completed gateway events. The flusher appends
// batches to per-day JSON shards, the journal keeps a compressed audit trail
// of every retired event, and the compactor shrinks aged shards.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gatewaybot/botd/internal/envelope"
	"gatewaybot/botd/internal/logging"
	"gatewaybot/botd/internal/queue"
)

// ShardRecord is one archived event: the retirement timestamp as a unix
// seconds string and the original wire envelope.
type ShardRecord struct {
	T string          `json:"t"`
	M json.RawMessage `json:"m"`
}

// ShardPath returns the day shard for a timestamp, relative to the bot data
// directory. Month and day are unpadded.
func ShardPath(dir string, day time.Time) string {
	return filepath.Join(dir, "messages",
		strconv.Itoa(day.Year()),
		strconv.Itoa(int(day.Month())),
		strconv.Itoa(day.Day())+".json")
}

// Flusher moves completed events from the queue into day shards on a timer.
type Flusher struct {
	dir       string
	queue     *queue.Queue
	interval  time.Duration
	threshold int
	clock     func() time.Time
	logger    *logging.Logger
	journal   *Journal
}

// FlusherConfig wires one flusher.
type FlusherConfig struct {
	Dir       string
	Queue     *queue.Queue
	Interval  time.Duration
	Threshold int
	Clock     func() time.Time
	Logger    *logging.Logger
	Journal   *Journal
}

// NewFlusher builds a flusher with production defaults for the clock and
// timer settings.
func NewFlusher(cfg FlusherConfig) *Flusher {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.L()
	}
	return &Flusher{
		dir:       cfg.Dir,
		queue:     cfg.Queue,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		journal:   cfg.Journal,
	}
}

// Run flushes on the timer until the context is cancelled, then performs a
// final unconditional flush so shutdown never strands completed events.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := f.Flush(true); err != nil {
				f.logger.Error("final flush failed", logging.Error(err))
			}
			return
		case <-ticker.C:
			if err := f.Flush(false); err != nil {
				f.logger.Warn("flush failed, retaining archive", logging.Error(err))
			}
		}
	}
}

// Flush appends completed events to their day shards. Without force it only
// runs once the threshold is reached. On a shard failure the events not yet
// written are restored to the queue so nothing is lost and nothing repeats.
func (f *Flusher) Flush(force bool) error {
	if !force && f.queue.CompletedLen() < f.threshold {
		return nil
	}
	batch := f.queue.TakeCompleted(0)
	if len(batch) == 0 {
		return nil
	}

	//1.- Shard by each event's own day so a batch spanning midnight rolls
	// over cleanly instead of leaking into the previous shard.
	groups := make(map[string][]*envelope.Event)
	order := make([]string, 0, 2)
	for _, ev := range batch {
		path := ShardPath(f.dir, ev.CreatedAt)
		if _, seen := groups[path]; !seen {
			order = append(order, path)
		}
		groups[path] = append(groups[path], ev)
	}

	for i, path := range order {
		if err := appendShard(path, groups[path]); err != nil {
			//2.- Earlier groups already landed in their shards; restoring them
			// too would duplicate them on the retry.
			var remaining []*envelope.Event
			for _, pending := range order[i:] {
				remaining = append(remaining, groups[pending]...)
			}
			f.queue.Restore(remaining)
			return fmt.Errorf("append shard %s: %w", path, err)
		}
	}

	if f.journal != nil {
		for _, ev := range batch {
			if err := f.journal.Append(ev); err != nil {
				f.logger.Warn("journal append failed", logging.Error(err))
				break
			}
		}
	}

	f.logger.Debug("flushed completed events", logging.Int("count", len(batch)))
	return nil
}

// appendShard read-merges the existing shard, appends the new records and
// writes the result atomically via a temp file rename.
func appendShard(path string, events []*envelope.Event) error {
	var records []ShardRecord
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(existing, &records); jerr != nil {
			return fmt.Errorf("decode existing shard: %w", jerr)
		}
	case os.IsNotExist(err):
	default:
		return err
	}

	for _, ev := range events {
		records = append(records, ShardRecord{
			T: strconv.FormatInt(ev.CreatedAt.Unix(), 10),
			M: json.RawMessage(ev.Raw),
		})
	}

	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
