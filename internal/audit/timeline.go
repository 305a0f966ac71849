package audit

import "time"

// TimelineFilters narrows the audit timeline.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	ActorID  int64
	Entity   string
	Action   string
	Page     int
	PageSize int
}

// TimelineRow is one recorded access-control change.
type TimelineRow struct {
	ID         int64          `db:"id" json:"id"`
	At         time.Time      `db:"occurred_at" json:"at"`
	ActorID    int64          `db:"actor_id" json:"actor_id"`
	ActorEmail string         `db:"actor_email" json:"actor_email"`
	Action     string         `db:"action" json:"action"`
	Entity     string         `db:"entity" json:"entity"`
	EntityID   string         `db:"entity_id" json:"entity_id"`
	RequestID  string         `db:"request_id" json:"request_id,omitempty"`
	Meta       map[string]any `db:"meta" json:"meta,omitempty"`
}

// PagingInfo holds simple pagination metadata.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result wraps one page of the timeline.
type Result struct {
	Rows   []TimelineRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}
