package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
)

// Reader loads a node's full history file into memory and answers queries
// over it. Files are small relative to the buffers they snapshot, so eager
// loading keeps the query surface trivial.
type Reader struct {
	entries []Entry
}

// NewReader reads and parses the file at path. A missing file yields an
// empty reader, matching a node that has never logged anything. Malformed
// lines are skipped with a warning.
func NewReader(path string, log *logger.Logger) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Reader{}, nil
		}
		return nil, errors.History(fmt.Errorf("open history file: %w", err))
	}
	defer file.Close()

	r := &Reader{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			log.Warn("skipping malformed history line",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		r.entries = append(r.entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.History(fmt.Errorf("scan history file: %w", err))
	}
	return r, nil
}

// GetAll returns every entry in file order.
func (r *Reader) GetAll() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// GetLast returns the last n entries, or everything if n exceeds the count.
func (r *Reader) GetLast(n int) []Entry {
	if n <= 0 {
		return nil
	}
	start := len(r.entries) - n
	if start < 0 {
		start = 0
	}
	out := make([]Entry, len(r.entries)-start)
	copy(out, r.entries[start:])
	return out
}

// GetByOp returns entries whose op matches.
func (r *Reader) GetByOp(op string) []Entry {
	var out []Entry
	for _, e := range r.entries {
		if e.Op == op {
			out = append(out, e)
		}
	}
	return out
}

// GetBySeq returns the entry with the given seq, or nil.
func (r *Reader) GetBySeq(seq int) *Entry {
	for i := range r.entries {
		if r.entries[i].Seq == seq {
			e := r.entries[i]
			return &e
		}
	}
	return nil
}

// GetInputsOnly returns the entries that carried input to the node (run,
// write, send, send_stream).
func (r *Reader) GetInputsOnly() []Entry {
	var out []Entry
	for _, e := range r.entries {
		switch e.Op {
		case OpRun, OpWrite, OpSend, OpSendStream:
			out = append(out, e)
		}
	}
	return out
}
