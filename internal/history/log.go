// Package history keeps an append-only JSONL record of every terminal scrape
// outcome, organized into date directories. Writes are async; a full buffer
// drops the record rather than stalling the scrape flow.
package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Record is one finished request.
type Record struct {
	Time           time.Time `json:"time"`
	CorrelationID  string    `json:"correlation_id"`
	OriginID       string    `json:"origin_id"`
	Competitor     string    `json:"competitor,omitempty"`
	SearchTerm     string    `json:"search_term,omitempty"`
	ListingPageURL string    `json:"listing_page_url,omitempty"`
	ListingCount   int       `json:"listing_count"`
	IsRefine       bool      `json:"is_refine"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
}

// Log writes records to <baseDir>/<date>/scrapes.jsonl.
type Log struct {
	baseDir   string
	maxSizeMB int

	writeCh chan Record
	done    chan struct{}
	wg      sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

func NewLog(baseDir string, bufferSize, maxSizeMB int) *Log {
	l := &Log{
		baseDir:   baseDir,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan Record, bufferSize),
		done:      make(chan struct{}),
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l
}

// Record queues one entry for async writing.
func (l *Log) Record(rec Record) error {
	select {
	case <-l.done:
		return fmt.Errorf("history: log is closed")
	default:
	}
	select {
	case l.writeCh <- rec:
		return nil
	default:
		slog.Warn("history: write buffer full, dropping record", "correlation_id", rec.CorrelationID)
		return fmt.Errorf("history: buffer full")
	}
}

// Close flushes pending records and releases the file.
func (l *Log) Close() error {
	close(l.done)

	timeout := time.After(5 * time.Second)
drain:
	for {
		select {
		case rec := <-l.writeCh:
			l.writeRecord(rec)
		case <-timeout:
			slog.Warn("history: close timeout, some records may be lost")
			break drain
		default:
			break drain
		}
	}
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logger != nil {
		return l.logger.Close()
	}
	return nil
}

func (l *Log) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case rec := <-l.writeCh:
			l.writeRecord(rec)
		case <-l.done:
			return
		}
	}
}

func (l *Log) writeRecord(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("history: marshal record failed", "error", err, "correlation_id", rec.CorrelationID)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	date := time.Now().UTC().Format("2006-01-02")
	if date != l.currentDate || l.logger == nil {
		l.rotateForDate(date)
	}

	if _, err := l.logger.Write(append(data, '\n')); err != nil {
		slog.Error("history: write record failed", "error", err, "correlation_id", rec.CorrelationID)
	}
}

func (l *Log) rotateForDate(date string) {
	if l.logger != nil {
		l.logger.Close()
	}

	dir := filepath.Join(l.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("history: create directory failed", "error", err, "dir", dir)
		return
	}

	l.logger = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "scrapes.jsonl"),
		MaxSize:    l.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
		Compress:   false,
		LocalTime:  false,
	}
	l.currentDate = date
	slog.Info("history: opened log file", "file", l.logger.Filename)
}
