package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/util"
)

type opType string

const (
	opRevision opType = "revision"
	opCompact  opType = "compact"

	segmentPrefix = "commitlog-"
	segmentSuffix = ".log"
	maxEntrySize  = 32 * 1024 * 1024
)

// logEntry is one line of a commit log segment
type logEntry struct {
	Sequence  uint64    `json:"seq"`
	Op        opType    `json:"op"`
	ID        string    `json:"id,omitempty"`
	Revision  *Revision `json:"revision,omitempty"`
	Timestamp int64     `json:"ts"`
	Checksum  uint32    `json:"checksum"`
}

// commitLog is an append-only log of revision inserts, split into segments
type commitLog struct {
	dir         string
	segmentSize int64
	syncWrites  bool
	logger      *zap.Logger

	mu          sync.Mutex
	currentFile *os.File
	size        int64
	segmentID   int64
}

func openCommitLog(dir string, segmentSize int64, syncWrites bool, logger *zap.Logger) (*commitLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create commit log directory: %w", err)
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	l := &commitLog{
		dir:         dir,
		segmentSize: segmentSize,
		syncWrites:  syncWrites,
		logger:      logger,
	}
	if n := len(segments); n > 0 {
		l.segmentID = segments[n-1].id
	}
	return l, nil
}

type segment struct {
	id   int64
	path string
}

func listSegments(dir string) ([]segment, error) {
	files, err := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list commit log files: %w", err)
	}
	out := make([]segment, 0, len(files))
	for _, f := range files {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(f), segmentPrefix), segmentSuffix)
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, segment{id: id, path: f})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

// append writes an entry, rotating the segment once it grows past segmentSize
func (l *commitLog) append(entry *logEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentFile == nil {
		if err := l.openNewSegment(); err != nil {
			return err
		}
	}

	entry.Timestamp = time.Now().UnixNano()
	entry.Checksum = 0
	unsigned, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	entry.Checksum = util.ComputeChecksum(unsigned)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to commit log: %w", err)
	}
	if l.syncWrites {
		if err := l.currentFile.Sync(); err != nil {
			return fmt.Errorf("failed to sync commit log: %w", err)
		}
	}

	l.size += int64(len(data))
	if l.segmentSize > 0 && l.size >= l.segmentSize {
		l.logger.Info("Rotating commit log due to size",
			zap.Int64("size", l.size),
			zap.Int64("threshold", l.segmentSize))
		if err := l.openNewSegment(); err != nil {
			l.logger.Error("Failed to rotate commit log", zap.Error(err))
		}
	}
	return nil
}

func (l *commitLog) openNewSegment() error {
	if l.currentFile != nil {
		l.currentFile.Close()
	}

	l.segmentID++
	segmentPath := filepath.Join(l.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, l.segmentID, segmentSuffix))
	file, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open commit log file: %w", err)
	}

	l.currentFile = file
	l.size = 0
	l.logger.Info("Opened new commit log segment", zap.String("path", segmentPath))
	return nil
}

// replay feeds every intact entry to fn in write order. A corrupt entry ends
// replay of its segment.
func (l *commitLog) replay(fn func(*logEntry)) (int, error) {
	segments, err := listSegments(l.dir)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, seg := range segments {
		count, err := l.replaySegment(seg.path, fn)
		recovered += count
		if err != nil {
			l.logger.Error("Failed to recover from file",
				zap.String("file", seg.path),
				zap.Error(err))
		}
	}
	return recovered, nil
}

func (l *commitLog) replaySegment(path string, fn func(*logEntry)) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxEntrySize)

	count := 0
	for scanner.Scan() {
		var entry logEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return count, fmt.Errorf("entry %d: %w", count, err)
		}

		expected := entry.Checksum
		entry.Checksum = 0
		unsigned, err := json.Marshal(&entry)
		if err != nil {
			return count, err
		}
		if !util.ValidateChecksum(unsigned, expected) {
			return count, fmt.Errorf("entry %d: checksum mismatch", count)
		}

		fn(&entry)
		count++
	}
	return count, scanner.Err()
}

func (l *commitLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentFile != nil {
		err := l.currentFile.Close()
		l.currentFile = nil
		return err
	}
	return nil
}
