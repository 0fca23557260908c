package chat

import (
	"testing"
	"time"
)

func TestMatches(t *testing.T) {
	base := time.Now()
	echo := Echo{UserID: "user-1", Text: "on my way", CreatedAt: base}

	cases := []struct {
		name string
		msg  Message
		want bool
	}{
		{"exact", Message{UserID: "user-1", Text: "on my way", CreatedAt: base}, true},
		{"server later", Message{UserID: "user-1", Text: "on my way", CreatedAt: base.Add(5 * time.Second)}, true},
		{"server earlier", Message{UserID: "user-1", Text: "on my way", CreatedAt: base.Add(-3 * time.Second)}, true},
		{"outside window", Message{UserID: "user-1", Text: "on my way", CreatedAt: base.Add(6 * time.Second)}, false},
		{"other user", Message{UserID: "user-2", Text: "on my way", CreatedAt: base}, false},
		{"other text", Message{UserID: "user-1", Text: "on my way!", CreatedAt: base}, false},
	}
	for _, tc := range cases {
		if got := Matches(echo, tc.msg, DefaultMatchWindow); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestMergeHidesMatchedEchoes(t *testing.T) {
	base := time.Now()
	confirmed := []Message{
		{ID: 1, UserID: "user-2", Text: "taxi is full", CreatedAt: base.Add(-time.Minute), AuthorName: "Thabo"},
		{ID: 2, UserID: "user-1", Text: "ok", CreatedAt: base.Add(time.Second)},
	}
	echoes := []Echo{
		{LocalID: "local-a", UserID: "user-1", Text: "ok", CreatedAt: base, State: Sent},
		{LocalID: "local-b", UserID: "user-1", Text: "wait for me", CreatedAt: base.Add(2 * time.Second), State: Sending},
	}

	items := Merge(confirmed, echoes, DefaultMatchWindow)
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].MessageID != 1 || items[0].AuthorName != "Thabo" {
		t.Fatalf("unexpected first item: %+v", items[0])
	}
	if items[1].MessageID != 2 || items[1].Pending {
		t.Fatalf("matched echo should be replaced by the confirmed message: %+v", items[1])
	}
	if items[2].Key != "local-b" || !items[2].Pending || items[2].State != Sending {
		t.Fatalf("unmatched echo should stay visible: %+v", items[2])
	}
}

func TestMergeClaimsOneEchoPerMessage(t *testing.T) {
	base := time.Now()
	confirmed := []Message{{ID: 7, UserID: "user-1", Text: "yes", CreatedAt: base}}
	echoes := []Echo{
		{LocalID: "local-1", UserID: "user-1", Text: "yes", CreatedAt: base},
		{LocalID: "local-2", UserID: "user-1", Text: "yes", CreatedAt: base.Add(time.Second)},
	}

	items := Merge(confirmed, echoes, DefaultMatchWindow)
	if len(items) != 2 || items[1].Key != "local-2" {
		t.Fatalf("second identical echo must remain: %+v", items)
	}
}

func TestMergeOrdersAndGroups(t *testing.T) {
	base := time.Now()
	confirmed := []Message{
		{ID: 3, UserID: "user-1", Text: "c", CreatedAt: base.Add(3 * time.Minute)},
		{ID: 1, UserID: "user-1", Text: "a", CreatedAt: base},
		{ID: 2, UserID: "user-1", Text: "b", CreatedAt: base.Add(90 * time.Second)},
		{ID: 4, UserID: "user-2", Text: "d", CreatedAt: base.Add(3*time.Minute + time.Second)},
	}

	items := Merge(confirmed, nil, DefaultMatchWindow)
	want := []struct {
		id          int64
		consecutive bool
	}{{1, false}, {2, true}, {3, true}, {4, false}}
	for i, w := range want {
		if items[i].MessageID != w.id || items[i].Consecutive != w.consecutive {
			t.Fatalf("item %d: expected id=%d consecutive=%v, got %+v", i, w.id, w.consecutive, items[i])
		}
	}
}

func TestIsConsecutive(t *testing.T) {
	base := time.Now()
	prev := Item{UserID: "user-1", CreatedAt: base}
	if !IsConsecutive(prev, Item{UserID: "user-1", CreatedAt: base.Add(2 * time.Minute)}) {
		t.Fatalf("two minutes apart should group")
	}
	if IsConsecutive(prev, Item{UserID: "user-1", CreatedAt: base.Add(2*time.Minute + time.Second)}) {
		t.Fatalf("over two minutes should not group")
	}
	if IsConsecutive(prev, Item{UserID: "user-2", CreatedAt: base}) {
		t.Fatalf("different authors should not group")
	}
}
