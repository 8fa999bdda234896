package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"time"
)

// indexEntry is one line of the events.idx.jsonl sidecar. Entries map line
// numbers to byte offsets so pagination over long logs can seek instead of
// scanning from the top.
type indexEntry struct {
	ByteOffset int64     `json:"byte_offset"`
	Line       int       `json:"line"`
	TS         time.Time `json:"ts"`
}

// BuildIndex scans the stream and writes an index entry every everyN events.
// The sidecar is rewritten wholesale; it is a pure accelerator and can be
// rebuilt at any time.
func (l *Log) BuildIndex(everyN int) error {
	if everyN <= 0 {
		everyN = 100
	}

	f, err := os.Open(l.eventsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &IOError{Op: "open", Err: err}
	}
	defer f.Close()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	r := bufio.NewReader(f)
	var offset int64
	line := 0
	for {
		raw, err := r.ReadBytes('\n')
		if len(raw) > 0 {
			if line%everyN == 0 {
				entry := indexEntry{ByteOffset: offset, Line: line}
				var e struct {
					TS time.Time `json:"ts"`
				}
				if json.Unmarshal(raw, &e) == nil {
					entry.TS = e.TS
				}
				if encErr := enc.Encode(entry); encErr != nil {
					return &IOError{Op: "index encode", Err: encErr}
				}
			}
			offset += int64(len(raw))
			line++
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return &IOError{Op: "read", Err: err}
		}
	}

	tmp := l.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return &IOError{Op: "index write", Err: err}
	}
	if err := os.Rename(tmp, l.indexPath()); err != nil {
		return &IOError{Op: "index rename", Err: err}
	}
	return nil
}

// seekEntry returns the closest index entry at or before fromLine, or the
// zero entry when no usable index exists.
func (l *Log) seekEntry(fromLine int) indexEntry {
	f, err := os.Open(l.indexPath())
	if err != nil {
		return indexEntry{}
	}
	defer f.Close()

	best := indexEntry{}
	dec := json.NewDecoder(f)
	for {
		var e indexEntry
		if err := dec.Decode(&e); err != nil {
			break
		}
		if e.Line <= fromLine && e.Line >= best.Line {
			best = e
		}
	}
	return best
}
