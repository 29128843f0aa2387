package progress

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// Summary aggregates the byte counters and statuses of a document.
type Summary struct {
	Entries  int
	Current  int64
	Total    int64
	Statuses map[string]int
}

// Summary sums progressDetail.current and progressDetail.total over every
// entry and counts entries per status.
func (d *Document) Summary() Summary {
	s := Summary{
		Entries:  len(d.entries),
		Statuses: make(map[string]int),
	}
	for _, entry := range d.entries {
		if status, ok := entry["status"].(string); ok {
			s.Statuses[status]++
		}
		detail, ok := entry["progressDetail"].(map[string]any)
		if !ok {
			continue
		}
		s.Current += toInt64(detail["current"])
		s.Total += toInt64(detail["total"])
	}
	return s
}

// Layer statuses that mean nothing is left to do for that layer.
var layerDone = []string{"Pull complete", "Already exists"}

// Complete reports whether the document holds at least one layer and every
// layer has finished. The "Pulling from <repo>" entry is not a layer.
func (s Summary) Complete() bool {
	layers := s.Entries
	for status, n := range s.Statuses {
		if strings.HasPrefix(status, "Pulling from ") {
			layers -= n
		}
	}

	done := 0
	for _, status := range layerDone {
		done += s.Statuses[status]
	}
	return layers > 0 && done == layers
}

func (s Summary) String() string {
	statuses := make([]string, 0, len(s.Statuses))
	for status, n := range s.Statuses {
		statuses = append(statuses, fmt.Sprintf("%s: %d", status, n))
	}
	sort.Strings(statuses)

	out := fmt.Sprintf("%d entries, %s / %s",
		s.Entries, humanize.Bytes(unsigned(s.Current)), humanize.Bytes(unsigned(s.Total)))
	if len(statuses) > 0 {
		out += " (" + strings.Join(statuses, ", ") + ")"
	}
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

func unsigned(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
