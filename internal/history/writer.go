// Package history provides the append-only per-node JSONL interaction log.
//
// Each node owns one file. Entries carry a dense, strictly increasing seq
// that is recovered from the file on reopen, so a restarted daemon continues
// the numbering instead of restarting it. Writes are fail-soft: once a writer
// is open, logging never propagates errors to the caller.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
)

// Operation names recorded in the op field.
const (
	OpRun        = "run"
	OpWrite      = "write"
	OpRead       = "read"
	OpSend       = "send"
	OpSendStream = "send_stream"
	OpInterrupt  = "interrupt"
	OpDelete     = "delete"
)

// maxLineBytes bounds a single history line during seq recovery. Large
// buffer snapshots can run to megabytes.
const maxLineBytes = 16 * 1024 * 1024

// Entry is one logged interaction. Only the fields relevant to the op are
// set; the rest marshal away via omitempty.
type Entry struct {
	Seq                int             `json:"seq"`
	Op                 string          `json:"op"`
	TS                 string          `json:"ts,omitempty"`
	TSStart            string          `json:"ts_start,omitempty"`
	TSEnd              string          `json:"ts_end,omitempty"`
	Input              string          `json:"input,omitempty"`
	Buffer             string          `json:"buffer,omitempty"`
	Lines              int             `json:"lines,omitempty"`
	Response           json.RawMessage `json:"response,omitempty"`
	FinalBuffer        string          `json:"final_buffer,omitempty"`
	Parser             string          `json:"parser,omitempty"`
	PrecedingBufferSeq int             `json:"preceding_buffer_seq,omitempty"`
	Reason             string          `json:"reason,omitempty"`
}

// Writer appends entries to one node's JSONL file. Safe for concurrent use;
// each write is atomic with respect to seq assignment.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	seq    int
	logger *logger.Logger
}

// NewWriter opens (or creates) the history file for a node, recovering the
// next sequence number from existing entries. Creation is the only operation
// that fails loudly.
func NewWriter(path string, log *logger.Logger) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.History(fmt.Errorf("create history dir: %w", err))
	}

	seq, err := recoverSeq(path, log)
	if err != nil {
		return nil, errors.History(err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.History(fmt.Errorf("open history file: %w", err))
	}

	return &Writer{file: file, path: path, seq: seq, logger: log}, nil
}

// recoverSeq scans an existing file for the highest seq. Malformed lines are
// skipped with a warning so a torn tail from a crash does not block reopen.
func recoverSeq(path string, log *logger.Logger) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan history file: %w", err)
	}
	defer file.Close()

	maxSeq := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var head struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			log.Warn("skipping malformed history line",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		if head.Seq > maxSeq {
			maxSeq = head.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan history file: %w", err)
	}
	return maxSeq, nil
}

// Path returns the file backing this writer.
func (w *Writer) Path() string { return w.path }

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// append assigns the next seq, writes the entry as one line, and syncs.
// Returns 0 on any failure; the caller's flow is never interrupted.
func (w *Writer) append(e *Entry) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		w.logger.Warn("history write after close", zap.String("path", w.path))
		return 0
	}

	e.Seq = w.seq + 1
	data, err := json.Marshal(e)
	if err != nil {
		w.logger.Warn("failed to marshal history entry",
			zap.String("path", w.path),
			zap.String("op", e.Op),
			zap.Error(err))
		return 0
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		w.logger.Warn("failed to write history entry",
			zap.String("path", w.path),
			zap.String("op", e.Op),
			zap.Error(err))
		return 0
	}
	if err := w.file.Sync(); err != nil {
		w.logger.Warn("failed to sync history file",
			zap.String("path", w.path),
			zap.Error(err))
	}
	w.seq = e.Seq
	return e.Seq
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// LogRun records a fire-and-forget command launch (e.g. the program started
// in a terminal node).
func (w *Writer) LogRun(input string) int {
	return w.append(&Entry{Op: OpRun, TS: now(), Input: input})
}

// LogWrite records a raw write with no inline response.
func (w *Writer) LogWrite(input string) int {
	return w.append(&Entry{Op: OpWrite, TS: now(), Input: input})
}

// LogRead records a buffer snapshot.
func (w *Writer) LogRead(buffer string, lines int) int {
	return w.append(&Entry{Op: OpRead, TS: now(), Buffer: buffer, Lines: lines})
}

// LogSend records a full request/response exchange. precedingBufferSeq points
// at the read snapshot taken just before the send, or 0 if there was none.
func (w *Writer) LogSend(input string, tsStart, tsEnd time.Time, response any, precedingBufferSeq int) int {
	raw, err := json.Marshal(response)
	if err != nil {
		w.logger.Warn("failed to marshal response for history",
			zap.String("path", w.path),
			zap.Error(err))
		raw, _ = json.Marshal(fmt.Sprint(response))
	}
	return w.append(&Entry{
		Op:                 OpSend,
		TSStart:            tsStart.UTC().Format(time.RFC3339),
		TSEnd:              tsEnd.UTC().Format(time.RFC3339),
		Input:              input,
		Response:           raw,
		PrecedingBufferSeq: precedingBufferSeq,
	})
}

// LogSendStream records a streaming exchange with the tail of the final
// buffer instead of a parsed response.
func (w *Writer) LogSendStream(input, finalBuffer, parserName string, precedingBufferSeq int) int {
	return w.append(&Entry{
		Op:                 OpSendStream,
		TS:                 now(),
		Input:              input,
		FinalBuffer:        finalBuffer,
		Parser:             parserName,
		PrecedingBufferSeq: precedingBufferSeq,
	})
}

// LogInterrupt records an interrupt marker.
func (w *Writer) LogInterrupt(reason string) int {
	return w.append(&Entry{Op: OpInterrupt, TS: now(), Reason: reason})
}

// LogDelete records node deletion. The writer is still usable afterwards but
// nodes close it right after.
func (w *Writer) LogDelete(reason string) int {
	return w.append(&Entry{Op: OpDelete, TS: now(), Reason: reason})
}
