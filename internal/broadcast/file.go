package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hyperengineering/relay/internal/types"
)

// spoolRecord is one line in the shared spool file.
type spoolRecord struct {
	Origin string            `json:"origin"`
	At     time.Time         `json:"at"`
	Event  types.ChangeEvent `json:"event"`
}

// File is the cross-process implementation: contexts append announcements to
// a shared spool file and poll its modification time for records written by
// others. Own records are filtered by source ID.
type File struct {
	path     string
	sourceID string
	interval time.Duration

	mu      sync.Mutex
	subs    []func(types.ChangeEvent)
	offset  int64
	modTime time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFile creates a file-spool broadcaster for this context. Poll interval
// governs cross-process delivery latency.
func NewFile(path, sourceID string, interval time.Duration) (*File, error) {
	f := &File{
		path:     path,
		sourceID: sourceID,
		interval: interval,
		done:     make(chan struct{}),
	}

	// Start reading at the current end so historical records are not
	// replayed into a fresh context.
	if info, err := os.Stat(path); err == nil {
		f.offset = info.Size()
		f.modTime = info.ModTime()
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat spool file: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.poll(ctx)
	return f, nil
}

func (f *File) Publish(ctx context.Context, event types.ChangeEvent) error {
	record := spoolRecord{Origin: f.sourceID, At: time.Now().UTC(), Event: event}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode spool record: %w", err)
	}
	line = append(line, '\n')

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open spool file: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(line); err != nil {
		return fmt.Errorf("append spool record: %w", err)
	}
	return nil
}

func (f *File) Subscribe(handler func(types.ChangeEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, handler)
	idx := len(f.subs) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subs[idx] = nil
	}
}

func (f *File) Close() error {
	f.cancel()
	<-f.done
	return nil
}

func (f *File) poll(ctx context.Context) {
	defer close(f.done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.drain()
		}
	}
}

// drain reads records appended since the last poll and delivers the ones
// written by other contexts. A shrunken file means the spool was compacted;
// reading restarts from the top.
func (f *File) drain() {
	info, err := os.Stat(f.path)
	if err != nil {
		return
	}
	f.mu.Lock()
	if info.Size() == f.offset && info.ModTime().Equal(f.modTime) {
		f.mu.Unlock()
		return
	}
	if info.Size() < f.offset {
		f.offset = 0
	}
	offset := f.offset
	f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		slog.Warn("failed to open broadcast spool", "component", "broadcast", "error", err)
		return
	}
	defer file.Close()
	if _, err := file.Seek(offset, 0); err != nil {
		return
	}

	var events []types.ChangeEvent
	read := offset
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		read += int64(len(line)) + 1

		var record spoolRecord
		if err := json.Unmarshal(line, &record); err != nil {
			slog.Warn("skipping malformed spool record", "component", "broadcast", "error", err)
			continue
		}
		if record.Origin == f.sourceID {
			continue
		}
		events = append(events, record.Event)
	}

	f.mu.Lock()
	f.offset = read
	f.modTime = info.ModTime()
	subs := make([]func(types.ChangeEvent), len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()

	for _, event := range events {
		for _, fn := range subs {
			if fn != nil {
				fn(event)
			}
		}
	}
}
