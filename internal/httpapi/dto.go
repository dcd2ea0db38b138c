package httpapi

import (
	"encoding/json"
	"time"

	"github.com/SirClappington/pubsched/internal/domain"
	"github.com/SirClappington/pubsched/internal/planner"
)

type secondaryBody struct {
	Text string `json:"text"`
}

type createItemBody struct {
	Content   string         `json:"content"`
	Media     []string       `json:"media,omitempty"`
	Secondary *secondaryBody `json:"secondary,omitempty"`
	// Schedule, when present, schedules the new draft right away.
	Schedule *scheduleBody `json:"schedule,omitempty"`
}

type scheduleBody struct {
	Pattern     domain.Pattern `json:"pattern"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	DaysOfWeek  []int          `json:"days_of_week,omitempty"`
	DayOfMonth  int            `json:"day_of_month,omitempty"`
	EndDate     *time.Time     `json:"end_date,omitempty"`
	Time        string         `json:"time,omitempty"`
}

func (b scheduleBody) request(id string) planner.ScheduleRequest {
	req := planner.ScheduleRequest{
		ItemID:     id,
		Pattern:    b.Pattern,
		DaysOfWeek: b.DaysOfWeek,
		DayOfMonth: b.DayOfMonth,
		Time:       b.Time,
	}
	if b.ScheduledAt != nil {
		req.ScheduledAt = *b.ScheduledAt
	}
	if b.EndDate != nil {
		req.EndDate = *b.EndDate
	}
	return req
}

type bulkBody struct {
	ItemIDs    []string  `json:"item_ids"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	GapMinutes int       `json:"gap_minutes,omitempty"`
	Seed       uint64    `json:"seed,omitempty"`
	Shuffle    bool      `json:"shuffle,omitempty"`
}

type bulkResponse struct {
	Items       []itemResponse `json:"items"`
	EvenSpacing bool           `json:"even_spacing"`
	Seed        uint64         `json:"seed"`
	Errors      []string       `json:"errors,omitempty"`
}

type schedulerResponse struct {
	NextExecutionAt *time.Time `json:"next_execution_at"`
	ActiveTimerID   string     `json:"active_timer_id,omitempty"`
	Owner           string     `json:"owner,omitempty"`
}

type itemResponse struct {
	ID               string          `json:"id"`
	Status           domain.Status   `json:"status"`
	Content          string          `json:"content"`
	Media            []string        `json:"media,omitempty"`
	Secondary        *secondaryBody  `json:"secondary,omitempty"`
	ScheduledAt      *time.Time      `json:"scheduled_at,omitempty"`
	Schedule         json.RawMessage `json:"schedule,omitempty"`
	Fingerprint      string          `json:"content_fingerprint,omitempty"`
	IdempotencyToken string          `json:"idempotency_token,omitempty"`
	Attempts         int             `json:"attempts"`
	LastError        string          `json:"last_error,omitempty"`
	ExternalID       string          `json:"external_id,omitempty"`
	PublishedAt      *time.Time      `json:"published_at,omitempty"`
	SecondaryStatus  string          `json:"secondary_status"`
	SecondaryRetries int             `json:"secondary_retries"`
	SecondaryID      string          `json:"secondary_id,omitempty"`
	SecondaryError   string          `json:"secondary_error,omitempty"`
	LockedBy         string          `json:"locked_by,omitempty"`
	LockExpiresAt    *time.Time      `json:"lock_expires_at,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func toItem(it *domain.Item) itemResponse {
	out := itemResponse{
		ID:               it.ID,
		Status:           it.Status,
		Content:          it.Content,
		Media:            it.Media,
		ScheduledAt:      it.ScheduledAt,
		Fingerprint:      it.Fingerprint,
		IdempotencyToken: it.IdempotencyToken,
		Attempts:         it.Attempts,
		LastError:        it.LastError,
		ExternalID:       it.ExternalID,
		PublishedAt:      it.PublishedAt,
		SecondaryStatus:  string(it.SecondaryStatus),
		SecondaryRetries: it.SecondaryRetries,
		SecondaryID:      it.SecondaryID,
		SecondaryError:   it.SecondaryError,
		Version:          it.Version,
		CreatedAt:        it.CreatedAt,
		UpdatedAt:        it.UpdatedAt,
	}
	if it.Secondary != nil {
		out.Secondary = &secondaryBody{Text: it.Secondary.Text}
	}
	if b, err := domain.EncodeSchedule(it.Schedule); err == nil && len(b) > 0 {
		out.Schedule = b
	}
	if it.Lock != nil {
		out.LockedBy = it.Lock.Holder
		exp := it.Lock.ExpiresAt
		out.LockExpiresAt = &exp
	}
	return out
}
