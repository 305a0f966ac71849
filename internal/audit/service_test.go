package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type stubTimelineRepo struct {
	rows       []TimelineRow
	err        error
	lastOffset int
	lastLimit  int
}

func (s *stubTimelineRepo) Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	s.lastOffset, s.lastLimit = offset, limit
	if s.err != nil {
		return nil, s.err
	}
	if len(s.rows) > limit {
		return s.rows[:limit], nil
	}
	return s.rows, nil
}

func (s *stubTimelineRepo) All(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	return s.rows, s.err
}

func sampleRows(n int) []TimelineRow {
	rows := make([]TimelineRow, n)
	for i := range rows {
		rows[i] = TimelineRow{ID: int64(i + 1), Action: "rbac.toggle", Entity: "role_permission", EntityID: "counter:VIEW_REPORTS"}
	}
	return rows
}

func TestServiceTimelinePaging(t *testing.T) {
	repo := &stubTimelineRepo{rows: sampleRows(3)}
	svc := NewService(repo)
	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(result.Rows))
	}
	if !result.Paging.HasNext || result.Paging.NextPage != 3 || result.Paging.PrevPage != 1 {
		t.Fatalf("unexpected paging %+v", result.Paging)
	}
	if repo.lastLimit != 3 || repo.lastOffset != 2 {
		t.Fatalf("expected offset 2 limit 3, got %d/%d", repo.lastOffset, repo.lastLimit)
	}
}

func TestServiceTimelineClampsPageSize(t *testing.T) {
	repo := &stubTimelineRepo{}
	svc := NewService(repo)
	result, err := svc.Timeline(context.Background(), TimelineFilters{PageSize: 500})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if result.Paging.PageSize != maxPageSize || repo.lastLimit != maxPageSize+1 {
		t.Fatalf("page size not clamped: %+v", result.Paging)
	}
	if result.Paging.HasNext {
		t.Fatalf("expected no next page")
	}
}

func TestServiceTimelinePropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	svc := NewService(&stubTimelineRepo{err: boom})
	if _, err := svc.Timeline(context.Background(), TimelineFilters{}); !errors.Is(err, boom) {
		t.Fatalf("expected repo error, got %v", err)
	}
	if _, err := NewService(nil).Export(context.Background(), TimelineFilters{}); err == nil {
		t.Fatalf("expected error without repository")
	}
}

func TestWriteCSV(t *testing.T) {
	rows := []TimelineRow{{
		At:         time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC),
		ActorID:    1,
		ActorEmail: "owner@repairhub.test",
		Action:     "rbac.toggle",
		Entity:     "role_permission",
		EntityID:   "counter:VIEW_REPORTS",
		Meta:       map[string]any{"granted": true},
	}}
	out, err := WriteCSV(rows)
	if err != nil {
		t.Fatalf("write csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "at,actor_id") {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.Contains(lines[1], "2024-03-10T10:00:00Z") || !strings.Contains(lines[1], `"{""granted"":true}"`) {
		t.Fatalf("unexpected row %q", lines[1])
	}
}

func TestTimelineQueryFilters(t *testing.T) {
	repo := NewRepository(nil)
	query, args, err := timelineQuery(repo.builder, TimelineFilters{
		From:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		ActorID: 4,
		Entity:  "partner",
		Action:  "partners.",
	}).ToSql()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, fragment := range []string{"a.occurred_at >= $1", "a.actor_id = $2", "a.entity = $3", "a.action LIKE $4", "ORDER BY a.occurred_at DESC"} {
		if !strings.Contains(query, fragment) {
			t.Fatalf("query %q missing %q", query, fragment)
		}
	}
	if len(args) != 4 || args[3] != "partners.%" {
		t.Fatalf("unexpected args %v", args)
	}
}
