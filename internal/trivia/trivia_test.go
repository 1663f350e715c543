package trivia

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

// ── Catalog ───────────────────────────────────────────────────────────────────

func newDefaultCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(DefaultHosts())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func TestCatalog_Find(t *testing.T) {
	t.Parallel()
	c := newDefaultCatalog(t)

	tests := []struct {
		query  string
		wantID string
		found  bool
	}{
		{"quizmaster", "quizmaster", true},
		{"  QUIZMASTER ", "quizmaster", true},
		{"Professor Quill", "professor", true},
		{"quizmastr", "quizmaster", true},
		{"captin barnacle", "pirate", true},
		{"xyzzy", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			t.Parallel()
			h, ok := c.Find(tc.query)
			if ok != tc.found {
				t.Fatalf("Find(%q) found = %v, want %v (got %+v)", tc.query, ok, tc.found, h)
			}
			if h.ID != tc.wantID {
				t.Errorf("Find(%q) = %q, want %q", tc.query, h.ID, tc.wantID)
			}
		})
	}
}

func TestCatalog_Lookup_ListsChoices(t *testing.T) {
	t.Parallel()
	c := newDefaultCatalog(t)

	_, err := c.Lookup("xyzzy")
	if !errors.Is(err, ErrUnknownHost) {
		t.Fatalf("want ErrUnknownHost, got %v", err)
	}
	for _, id := range []string{"pirate", "professor", "quizmaster", "robot"} {
		if !strings.Contains(err.Error(), id) {
			t.Errorf("error %q does not list %q", err, id)
		}
	}
}

func TestNewCatalog_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewCatalog(nil); err == nil {
		t.Error("empty catalog should fail")
	}
	_, err := NewCatalog([]Host{{ID: "a", Name: "A"}, {ID: "A"}, {Name: "nameless"}})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "duplicate id") || !strings.Contains(err.Error(), "id is required") {
		t.Errorf("error should report both problems: %v", err)
	}
}

func TestCatalog_All_SortedCopy(t *testing.T) {
	t.Parallel()
	c := newDefaultCatalog(t)

	all := c.All()
	for i := 1; i < len(all); i++ {
		if all[i-1].ID > all[i].ID {
			t.Fatalf("not sorted: %q before %q", all[i-1].ID, all[i].ID)
		}
	}
	all[0].Name = "mutated"
	if c.All()[0].Name == "mutated" {
		t.Error("All must return a copy")
	}
}

// ── Settings ──────────────────────────────────────────────────────────────────

func TestSettings_Validate(t *testing.T) {
	t.Parallel()

	if err := DefaultSettings().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
	err := Settings{Difficulty: "brutal", Questions: -1}.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "brutal") || !strings.Contains(err.Error(), "-1") {
		t.Errorf("error should name both fields: %v", err)
	}
}

func TestInstructions(t *testing.T) {
	t.Parallel()
	h := DefaultHosts()[2]

	got := Instructions(h, Settings{Topic: "volcanoes", Difficulty: Hard, Questions: 5})
	for _, want := range []string{h.Name, h.Persona, "hard questions about volcanoes", "5 questions", "updateScore", "cumulative"} {
		if !strings.Contains(got, want) {
			t.Errorf("instructions missing %q:\n%s", want, got)
		}
	}

	open := Instructions(Host{Name: "X"}, Settings{})
	if !strings.Contains(open, "medium questions about general knowledge") {
		t.Errorf("defaults not applied:\n%s", open)
	}
	if !strings.Contains(open, "until the player") {
		t.Errorf("open-ended round not described:\n%s", open)
	}
}

// ── Scoreboard ────────────────────────────────────────────────────────────────

func TestScoreboard_UpdateAndNotify(t *testing.T) {
	t.Parallel()
	var b Scoreboard

	var got []Score
	b.OnChange(func(s Score) { got = append(got, s) })

	b.Update(Score{Player: 1})
	b.Update(Score{Player: 1})
	b.Update(Score{Player: 3, AI: -2})

	if b.Score() != (Score{Player: 3, AI: 0}) {
		t.Errorf("score = %+v", b.Score())
	}
	if len(got) != 2 {
		t.Fatalf("notifications = %v, want 2 (unchanged update is silent)", got)
	}
	if b.Updates() != 3 {
		t.Errorf("updates = %d, want 3", b.Updates())
	}

	b.Reset()
	if !b.Score().Zero() || b.Updates() != 0 {
		t.Error("Reset did not clear the board")
	}
	if len(got) != 2 {
		t.Error("Reset must not notify")
	}
}

func TestScoreboard_Concurrent(t *testing.T) {
	t.Parallel()
	var b Scoreboard
	b.OnChange(func(Score) {})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Update(Score{Player: i})
			_ = b.Score()
		}()
	}
	wg.Wait()
	if b.Updates() != 50 {
		t.Errorf("updates = %d, want 50", b.Updates())
	}
}
