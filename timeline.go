package rcchat

import (
	"slices"
	"strings"
)

// Timeline helpers. Every function returns a fresh slice and never modifies
// its input, so published State values stay immutable.
//
// A window is ascending by (Timestamp, ID) and holds each ID once.

func compareMessages(a, b Message) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func indexOfMessage(window []Message, id string) int {
	return slices.IndexFunc(window, func(m Message) bool { return m.ID == id })
}

// insertMessage places m in window. It reports false, and returns window
// untouched, when a message with the same id is already loaded.
func insertMessage(window []Message, m Message) ([]Message, bool) {
	if indexOfMessage(window, m.ID) >= 0 {
		return window, false
	}
	out := make([]Message, 0, len(window)+1)
	if n := len(window); n == 0 || !m.Before(window[n-1]) {
		out = append(out, window...)
		return append(out, m), true
	}
	// Out-of-order delivery.
	i, _ := slices.BinarySearchFunc(window, m, compareMessages)
	out = append(out, window[:i]...)
	out = append(out, m)
	out = append(out, window[i:]...)
	return out, true
}

// mergeMessages returns the ordered union of window and page. The second
// result counts messages from page that were not already loaded.
func mergeMessages(window, page []Message) ([]Message, int) {
	seen := make(map[string]struct{}, len(window)+len(page))
	out := make([]Message, 0, len(window)+len(page))
	for _, m := range window {
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	added := 0
	for _, m := range page {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
		added++
	}
	slices.SortStableFunc(out, compareMessages)
	return out, added
}

// normalizeWindow sorts page and drops repeated ids.
func normalizeWindow(page []Message) []Message {
	out, _ := mergeMessages(nil, page)
	return out
}

// reconcileLocal swaps the pending local message carrying clientID for the
// server-confirmed m. It reports false when no pending message matches.
func reconcileLocal(window []Message, clientID string, m Message) ([]Message, bool) {
	if clientID == "" {
		return window, false
	}
	i := slices.IndexFunc(window, func(x Message) bool { return x.ClientID == clientID })
	if i < 0 {
		return window, false
	}
	rest := make([]Message, 0, len(window)-1)
	rest = append(rest, window[:i]...)
	rest = append(rest, window[i+1:]...)
	m.ClientID = ""
	out, _ := insertMessage(rest, m)
	return out, true
}

// latestMessage returns the later of the window tail and known.
func latestMessage(window []Message, known *Message) *Message {
	var tail *Message
	if n := len(window); n > 0 {
		m := window[n-1]
		tail = &m
	}
	switch {
	case tail == nil:
		return known
	case known == nil:
		return tail
	case known.ID == tail.ID:
		return tail
	case tail.Before(*known) && indexOfMessage(window, known.ID) < 0:
		return known
	}
	return tail
}
