package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/mwantia/findex/data"
)

// Encode serializes entries as JSON lines, shallowest paths first, so a
// restore can replay the stream in order with parents before children.
func Encode(entries []*data.Entry) ([]byte, error) {
	sorted := make([]*data.Entry, len(entries))
	copy(sorted, entries)

	sort.Slice(sorted, func(i, j int) bool {
		di, dj := data.Depth(sorted[i].Path), data.Depth(sorted[j].Path)
		if di != dj {
			return di < dj
		}

		return sorted[i].Path < sorted[j].Path
	})

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, entry := range sorted {
		if err := encoder.Encode(entry); err != nil {
			return nil, fmt.Errorf("failed to encode '%s': %w", entry.Path, err)
		}
	}

	return buf.Bytes(), nil
}

// Decode reads a stream of JSON lines back into entries, preserving order.
func Decode(r io.Reader) ([]*data.Entry, error) {
	var entries []*data.Entry

	decoder := json.NewDecoder(r)
	for {
		var entry data.Entry
		if err := decoder.Decode(&entry); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}

		entries = append(entries, &entry)
	}

	return entries, nil
}
