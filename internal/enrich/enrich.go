// Package enrich reads a host-provided transcript file to extract model
// identity and accumulated token usage, and caches the result per session
// so the hot mapping path never waits on file I/O (spec.md §4.4, §9
// "Enrichment decoupling").
package enrich

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a cached entry is trusted before the enricher
// re-reads the transcript, absent a detected mtime change.
const DefaultTTL = 5 * time.Second

// tailBytes bounds how much of the transcript tail is scanned per refresh;
// enough to capture the last several messages without reading the whole
// file on every refresh of a long-running session.
const tailBytes = 64 * 1024

// Entry is one cached enrichment result.
type Entry struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Estimated        bool

	transcriptMTime time.Time
	capturedAt      time.Time
}

// Cache maps session_id to its most recently observed enrichment. It is
// written by the Enricher and read by trace.Mapper; a single-writer/
// multi-reader discipline suffices (spec.md §5), enforced here with an
// RWMutex.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
}

// NewCache constructs an empty cache with the given entry TTL. A zero ttl
// selects DefaultTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{entries: make(map[string]Entry), ttl: ttl}
}

// Lookup returns the cached enrichment for a session, if any. It never
// touches the filesystem; it is the read side consulted by the mapper.
func (c *Cache) Lookup(sessionID string) (Entry, bool) {
	if sessionID == "" {
		return Entry{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[sessionID]
	return e, ok
}

// fresh reports whether the cached entry for sessionID is still usable
// without re-reading the transcript: present, younger than TTL, and the
// transcript's mtime has not advanced since it was captured.
func (c *Cache) fresh(sessionID string, mtime time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[sessionID]
	if !ok {
		return false
	}
	if time.Since(e.capturedAt) >= c.ttl {
		return false
	}
	return !mtime.After(e.transcriptMTime)
}

func (c *Cache) store(sessionID string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionID] = e
}

// Enricher performs the opportunistic transcript reads that populate a
// Cache. Any I/O error is treated as "no enrichment available" and must
// never propagate to the mapping path (spec.md §4.4).
type Enricher struct {
	cache *Cache
}

// NewEnricher constructs an Enricher writing into cache.
func NewEnricher(cache *Cache) *Enricher {
	return &Enricher{cache: cache}
}

// Refresh updates the cache entry for sessionID from transcriptPath if the
// cached value is stale or absent. It is safe to call frequently; the
// freshness check makes repeated calls cheap.
func (en *Enricher) Refresh(sessionID, transcriptPath string) {
	if sessionID == "" || transcriptPath == "" {
		return
	}

	info, err := os.Stat(transcriptPath)
	if err != nil {
		return // missing/permission denied: no enrichment, not an error
	}
	mtime := info.ModTime()

	if en.cache.fresh(sessionID, mtime) {
		return
	}

	model, prompt, completion, total, estimated, ok := readTail(transcriptPath)
	if !ok {
		return
	}

	en.cache.store(sessionID, Entry{
		Model:            model,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		Estimated:        estimated,
		transcriptMTime:  mtime,
		capturedAt:       time.Now(),
	})
}

// transcriptLine is the line-delimited JSON shape a host transcript emits
// (see SPEC_FULL.md §4.12): one message per line, any field may be absent.
type transcriptLine struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// readTail opens the transcript read-only, seeks toward the end, and scans
// the last tailBytes worth of lines, retaining the most recent model
// string and most recent usage triple it finds. Malformed lines are
// skipped, not fatal.
func readTail(path string) (model string, prompt, completion, total int, estimated bool, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, 0, 0, false, false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, 0, 0, false, false
	}

	var offset int64
	if info.Size() > tailBytes {
		offset = info.Size() - tailBytes
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", 0, 0, 0, false, false
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	haveUsage := false
	var lastContentChars int
	sawAnyLine := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var tl transcriptLine
		if err := json.Unmarshal([]byte(line), &tl); err != nil {
			continue // tolerate malformed lines
		}
		sawAnyLine = true
		if tl.Model != "" {
			model = tl.Model
		}
		if tl.Usage != nil {
			prompt = tl.Usage.InputTokens
			completion = tl.Usage.OutputTokens
			total = prompt + completion
			haveUsage = true
		} else if tl.Content != "" {
			lastContentChars = len(tl.Content)
		}
	}

	if !sawAnyLine {
		return "", 0, 0, 0, false, false
	}

	if !haveUsage && lastContentChars > 0 {
		// No exact usage reported; fall back to the teacher's character-
		// count heuristic (omni/tokencount's anthropicCounter) rather than
		// leaving counts at zero.
		total = int(float64(lastContentChars) / 3.5)
		completion = total
		return model, prompt, completion, total, true, true
	}

	return model, prompt, completion, total, false, haveUsage || model != ""
}
