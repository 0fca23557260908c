package chat

import (
	"fmt"
	"sort"
	"time"
)

const (
	DefaultMatchWindow = 5 * time.Second
	GroupWindow        = 2 * time.Minute
)

// Matches reports whether a confirmed message is the server copy of an echo.
func Matches(e Echo, m Message, window time.Duration) bool {
	if e.UserID != m.UserID || e.Text != m.Text {
		return false
	}
	d := m.CreatedAt.Sub(e.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// Merge builds the rendered list from the confirmed messages and the echoes no
// confirmed message has claimed yet. Each confirmed message claims at most one
// echo. The result is ordered by creation time.
func Merge(confirmed []Message, echoes []Echo, window time.Duration) []Item {
	claimed := make([]bool, len(echoes))
	items := make([]Item, 0, len(confirmed)+len(echoes))

	for _, m := range confirmed {
		for i, e := range echoes {
			if !claimed[i] && Matches(e, m, window) {
				claimed[i] = true
				break
			}
		}
		items = append(items, Item{
			Key:          fmt.Sprintf("m-%d", m.ID),
			MessageID:    m.ID,
			UserID:       m.UserID,
			Text:         m.Text,
			CreatedAt:    m.CreatedAt,
			AuthorName:   m.AuthorName,
			AuthorAvatar: m.AuthorAvatar,
		})
	}
	for i, e := range echoes {
		if claimed[i] {
			continue
		}
		items = append(items, Item{
			Key:       e.LocalID,
			UserID:    e.UserID,
			Text:      e.Text,
			CreatedAt: e.CreatedAt,
			Pending:   true,
			State:     e.State,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	for i := 1; i < len(items); i++ {
		items[i].Consecutive = IsConsecutive(items[i-1], items[i])
	}
	return items
}

// IsConsecutive reports whether cur continues prev's run: same author within
// GroupWindow.
func IsConsecutive(prev, cur Item) bool {
	if prev.UserID != cur.UserID {
		return false
	}
	d := cur.CreatedAt.Sub(prev.CreatedAt)
	return d >= 0 && d <= GroupWindow
}
