// Package spill is a disk-backed overflow queue for row batches that
// couldn't be shipped immediately. pkg/outputs/azureloganalytics uses it to
// spool sample-batch rows across a Log Analytics outage and replay them,
// oldest first, once the workspace is reachable again.
package spill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	Directory   string
	MaxBytes    int64 // total on-disk retention; oldest segments evicted past this
	SegmentSize int64 // batches larger than this split across segment files
}

// Queue persists row batches as one JSON segment file each, named so that
// modification-time order is also append order.
type Queue struct {
	cfg        Config
	mu         sync.Mutex
	totalBytes int64
}

var fileSeq atomic.Uint64

// NewQueue opens (or creates) the spill directory and takes stock of any
// segments left over from a previous run so retention accounting starts
// from the real on-disk size.
func NewQueue(cfg Config) (*Queue, error) {
	if strings.TrimSpace(cfg.Directory) == "" {
		return nil, fmt.Errorf("spill directory required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 * 1024 * 1024 * 1024
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 1 * 1024 * 1024
	}
	if err := os.MkdirAll(cfg.Directory, 0o750); err != nil {
		return nil, err
	}
	total := int64(0)
	entries, _ := os.ReadDir(cfg.Directory)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	return &Queue{cfg: cfg, totalBytes: total}, nil
}

// Bytes reports the queue's current on-disk footprint.
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalBytes
}

// Append persists a batch of rows to disk, splitting recursively across
// segment files when a single batch would exceed SegmentSize.
func (q *Queue) Append(rows []map[string]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshal spill batch: %w", err)
	}
	if q.cfg.SegmentSize > 0 && int64(len(data)) > q.cfg.SegmentSize && len(rows) > 1 {
		mid := len(rows) / 2
		if err := q.Append(rows[:mid]); err != nil {
			return err
		}
		return q.Append(rows[mid:])
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := os.MkdirAll(q.cfg.Directory, 0o750); err != nil {
		return err
	}
	name := fmt.Sprintf("spill-%d-%d.json", time.Now().UnixNano(), fileSeq.Add(1))
	if err := os.WriteFile(filepath.Join(q.cfg.Directory, name), data, 0o640); err != nil {
		return err
	}
	q.totalBytes += int64(len(data))
	return q.evictOverLimitLocked()
}

// Replay drains spooled batches oldest-first, calling handler for each; a
// segment is only removed from disk once handler returns nil for it, so a
// failed replay leaves the backlog intact for the next attempt.
func (q *Queue) Replay(handler func([]map[string]interface{}) error) error {
	segments, err := q.segments()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		full := filepath.Join(q.cfg.Directory, seg.Name())
		info, err := seg.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return err
		}
		var rows []map[string]interface{}
		if err := json.Unmarshal(data, &rows); err != nil {
			return fmt.Errorf("decode spill segment %s: %w", seg.Name(), err)
		}
		if err := handler(rows); err != nil {
			return err
		}
		if err := os.Remove(full); err != nil {
			return err
		}
		q.mu.Lock()
		q.totalBytes -= info.Size()
		if q.totalBytes < 0 {
			q.totalBytes = 0
		}
		q.mu.Unlock()
	}
	return nil
}

// segments lists spill files oldest-first.
func (q *Queue) segments() ([]os.DirEntry, error) {
	entries, err := os.ReadDir(q.cfg.Directory)
	if err != nil {
		return nil, err
	}
	var segs []os.DirEntry
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "spill-") {
			segs = append(segs, e)
		}
	}
	sort.Slice(segs, func(i, j int) bool {
		infoI, err := segs[i].Info()
		if err != nil {
			return false
		}
		infoJ, err := segs[j].Info()
		if err != nil {
			return true
		}
		return infoI.ModTime().Before(infoJ.ModTime())
	})
	return segs, nil
}

// evictOverLimitLocked drops the oldest segments until the footprint fits
// MaxBytes again; retention favors the newest data, matching the
// DROP_HEAD idea the in-memory rings apply under overflow.
func (q *Queue) evictOverLimitLocked() error {
	if q.cfg.MaxBytes <= 0 {
		return nil
	}
	for q.totalBytes > q.cfg.MaxBytes {
		segs, err := q.segments()
		if err != nil {
			return err
		}
		if len(segs) == 0 {
			q.totalBytes = 0
			return nil
		}
		oldest := filepath.Join(q.cfg.Directory, segs[0].Name())
		if info, err := os.Stat(oldest); err == nil {
			q.totalBytes -= info.Size()
		}
		if err := os.Remove(oldest); err != nil {
			return err
		}
	}
	return nil
}
