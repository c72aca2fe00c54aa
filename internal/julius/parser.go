package julius

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var sentencePattern = regexp.MustCompile(`sentence(\d+):\s*<s>(.*?)</s>`)

// SentenceRecord is one decoded utterance as ranked by the engine.
type SentenceRecord struct {
	Index int
	Text  string
}

// ParseSentences extracts every sentence record from decoder stdout, ordered
// by index. Records with equal indices keep their encounter order.
func ParseSentences(out []byte) []SentenceRecord {
	matches := sentencePattern.FindAllSubmatch(out, -1)
	records := make([]SentenceRecord, 0, len(matches))
	for _, m := range matches {
		idx, err := strconv.Atoi(string(m[1]))
		if err != nil {
			continue
		}
		records = append(records, SentenceRecord{Index: idx, Text: strings.TrimSpace(string(m[2]))})
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Index < records[j].Index })
	return records
}

// Parse returns the non-empty recognized texts in index order. When nothing
// was understood the result is a single empty string, never an empty slice.
func Parse(out []byte) []string {
	var texts []string
	for _, rec := range ParseSentences(out) {
		if rec.Text != "" {
			texts = append(texts, rec.Text)
		}
	}
	if len(texts) == 0 {
		return []string{""}
	}
	return texts
}

// Understood reports whether texts carries anything besides the empty sentinel.
func Understood(texts []string) bool {
	return len(texts) > 0 && !(len(texts) == 1 && texts[0] == "")
}
