package chat

import (
	"fmt"
	"sort"
)

// DedupSort is the sole gate through which any message list becomes
// visible. It sorts ascending by CreatedAt (stable, so equal timestamps keep
// insertion order) and drops duplicates, first occurrence wins.
//
// A confirmed message's dedup key is its id. A pending placeholder's key is
// a composite of id, timestamp and position: two placeholders never collapse
// into one, and a placeholder is never treated as equal to a confirmed
// message that happens to share an id. The input is not mutated.
func DedupSort(msgs []Message) []Message {
	sorted := make([]Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	out := make([]Message, 0, len(sorted))
	seen := make(map[string]struct{}, len(sorted))
	for i := range sorted {
		key := dedupKey(&sorted[i], i)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, sorted[i])
	}
	return out
}

func dedupKey(m *Message, pos int) string {
	if m.IsPending() {
		return fmt.Sprintf("%s|%d|%d", m.Id, m.CreatedAt.UnixNano(), pos)
	}
	return m.Id
}

// removeById drops every message with the given id. Returns the filtered
// slice and whether anything was removed.
func removeById(msgs []Message, id string) ([]Message, bool) {
	out := msgs[:0]
	removed := false
	for _, m := range msgs {
		if m.Id == id {
			removed = true
			continue
		}
		out = append(out, m)
	}
	return out, removed
}
