package spool

import (
	"bytes"
	"encoding/json"

	"github.com/tenzoki/talon/internal/trace"
)

// lineScanner walks a byte slice line by line without copying the whole
// buffer, tracking how many bytes each group of successfully-parsed lines
// consumed so Replay can truncate exactly that prefix.
type lineScanner struct {
	data []byte
	pos  int
}

func newLineScanner(data []byte) *lineScanner {
	return &lineScanner{data: data}
}

// nextGroup parses up to maxCount records (or until accumulated bytes
// reach maxBytes) into records, returning any lines that failed to parse
// separately in malformed. groupBytes is the exact number of source bytes
// (including newlines) the group consumed, for truncation accounting.
// more reports whether scanning should continue after this group.
func (sc *lineScanner) nextGroup(maxCount, maxBytes int) (records []*trace.Record, groupBytes int, malformed [][]byte, more bool) {
	if maxCount <= 0 {
		maxCount = 1
	}
	for len(records) < maxCount && groupBytes < maxBytes {
		if sc.pos >= len(sc.data) {
			return records, groupBytes, malformed, false
		}
		nl := bytes.IndexByte(sc.data[sc.pos:], '\n')
		var line []byte
		var consumed int
		if nl < 0 {
			line = sc.data[sc.pos:]
			consumed = len(line)
		} else {
			line = sc.data[sc.pos : sc.pos+nl]
			consumed = nl + 1
		}
		sc.pos += consumed

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			groupBytes += consumed
			continue
		}

		var rec trace.Record
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			malformed = append(malformed, append([]byte(nil), trimmed...))
			groupBytes += consumed
			continue
		}
		records = append(records, &rec)
		groupBytes += consumed
	}
	return records, groupBytes, malformed, sc.pos < len(sc.data)
}
