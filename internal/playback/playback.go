// Package playback replays archived day shards in chronological order. An
// index maps a global message offset onto a shard file and a local position,
// and progress survives restarts through a small state file next to the
// shards.
package playback

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"gatewaybot/botd/internal/archive"
)

// ProgressFile is the resume-state file kept beside the shard tree.
const ProgressFile = "playbackinfo.json"

// Range describes one shard's slice of the global message ordering.
type Range struct {
	Path  string
	Day   time.Time
	Start int
	Count int
}

// Index is the ordered set of shard ranges for one bot directory.
type Index struct {
	ranges []Range
	total  int
}

// BuildIndex scans the shard tree sequentially, oldest day first, and records
// how many messages each shard contributes. Compressed shards count too.
func BuildIndex(dir string) (*Index, error) {
	root := filepath.Join(dir, "messages")
	idx := &Index{}

	years, err := numericDirs(root)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, err
	}

	for _, year := range years {
		months, err := numericDirs(filepath.Join(root, strconv.Itoa(year)))
		if err != nil {
			return nil, err
		}
		for _, month := range months {
			days, err := shardFiles(filepath.Join(root, strconv.Itoa(year), strconv.Itoa(month)))
			if err != nil {
				return nil, err
			}
			for _, day := range days {
				records, err := ReadShard(day.path)
				if err != nil {
					return nil, fmt.Errorf("index shard %s: %w", day.path, err)
				}
				if len(records) == 0 {
					continue
				}
				idx.ranges = append(idx.ranges, Range{
					Path:  day.path,
					Day:   time.Date(year, time.Month(month), day.day, 0, 0, 0, 0, time.UTC),
					Start: idx.total,
					Count: len(records),
				})
				idx.total += len(records)
			}
		}
	}
	return idx, nil
}

// Total returns the number of archived messages across all shards.
func (i *Index) Total() int { return i.total }

// Ranges returns the ordered shard ranges.
func (i *Index) Ranges() []Range { return i.ranges }

// Locate maps a global offset onto its shard and local position.
func (i *Index) Locate(offset int) (Range, int, bool) {
	if offset < 0 || offset >= i.total {
		return Range{}, 0, false
	}
	n := sort.Search(len(i.ranges), func(k int) bool {
		return i.ranges[k].Start+i.ranges[k].Count > offset
	})
	r := i.ranges[n]
	return r, offset - r.Start, true
}

// ReadShard loads one shard, transparently decompressing .zst copies.
func ReadShard(path string) ([]archive.ShardRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(file)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		reader = dec
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	var records []archive.ShardRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Progress is the persisted resume state.
type Progress struct {
	File   string `json:"file"`
	Index  int    `json:"index"`
	Offset int    `json:"offset"`
}

// LoadProgress reads the resume state; a missing file yields zero progress.
func LoadProgress(dir string) (Progress, error) {
	var p Progress
	data, err := os.ReadFile(filepath.Join(dir, ProgressFile))
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return Progress{}, err
	}
	return p, nil
}

// SaveProgress persists the resume state atomically.
func SaveProgress(dir string, p Progress) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, ProgressFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Player iterates archived messages from a starting offset, loading one shard
// at a time.
type Player struct {
	index   *Index
	offset  int
	current Range
	records []archive.ShardRecord
}

// NewPlayer positions a player at the given global offset.
func NewPlayer(index *Index, offset int) *Player {
	if offset < 0 {
		offset = 0
	}
	return &Player{index: index, offset: offset}
}

// Offset reports the global offset of the next message.
func (p *Player) Offset() int { return p.offset }

// Next returns the next archived record and its global offset. It reports
// io.EOF once the archive is exhausted.
func (p *Player) Next() (archive.ShardRecord, int, error) {
	r, local, ok := p.index.Locate(p.offset)
	if !ok {
		return archive.ShardRecord{}, 0, io.EOF
	}
	if r.Path != p.current.Path {
		records, err := ReadShard(r.Path)
		if err != nil {
			return archive.ShardRecord{}, 0, err
		}
		p.current = r
		p.records = records
	}
	if local >= len(p.records) {
		return archive.ShardRecord{}, 0, fmt.Errorf("shard %s shrank under playback", r.Path)
	}
	record := p.records[local]
	at := p.offset
	p.offset++
	return record, at, nil
}

// ProgressAt converts a global offset into the persisted representation.
func (p *Player) ProgressAt(offset int) Progress {
	r, local, ok := p.index.Locate(offset)
	if !ok {
		return Progress{Offset: offset}
	}
	return Progress{File: r.Path, Index: local, Offset: offset}
}

type shardFile struct {
	day  int
	path string
}

func numericDirs(root string) ([]int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(entry.Name()); err == nil {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}

func shardFiles(root string) ([]shardFile, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []shardFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		base := strings.TrimSuffix(strings.TrimSuffix(name, ".zst"), ".json")
		if base+".json" != name && base+".json.zst" != name {
			continue
		}
		day, err := strconv.Atoi(base)
		if err != nil {
			continue
		}
		out = append(out, shardFile{day: day, path: filepath.Join(root, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].day < out[j].day })
	return out, nil
}
