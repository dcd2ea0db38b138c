package domain

import "time"

type Status string

const (
	Draft      Status = "DRAFT"
	Scheduled  Status = "SCHEDULED"
	Publishing Status = "PUBLISHING"
	Published  Status = "PUBLISHED"
	Failed     Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case Draft, Scheduled, Publishing, Published, Failed:
		return true
	}
	return false
}

// SecondaryStatus tracks the follow-up action (a reply or comment posted under
// the primary publication). It never feeds back into Status.
type SecondaryStatus string

const (
	SecondaryNone    SecondaryStatus = "NONE"
	SecondaryPending SecondaryStatus = "PENDING"
	SecondaryPosting SecondaryStatus = "POSTING"
	SecondaryPosted  SecondaryStatus = "POSTED"
	SecondaryFailed  SecondaryStatus = "FAILED"
)

type SecondaryPayload struct {
	Text string `json:"text"`
}

// Lock is the execution lock. It is live while ExpiresAt is after now.
type Lock struct {
	Holder    string
	ExpiresAt time.Time
}

func (l *Lock) Live(now time.Time) bool {
	return l != nil && l.ExpiresAt.After(now)
}

type Item struct {
	ID        string
	Status    Status
	Content   string
	Media     []string
	Secondary *SecondaryPayload

	ScheduledAt *time.Time
	Schedule    Schedule

	Fingerprint      string
	IdempotencyToken string
	// Occurrence is the scheduled time the current token was derived from.
	// Recurring items move ScheduledAt to the next occurrence on dispatch, so
	// the in-flight occurrence is kept here.
	Occurrence *time.Time

	Lock *Lock

	Attempts  int
	LastError string

	ExternalID  string
	PublishedAt *time.Time

	SecondaryStatus  SecondaryStatus
	SecondaryRetries int
	SecondaryID      string
	SecondaryError   string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Recurring reports whether the item repeats after its current occurrence.
func (it *Item) Recurring() bool {
	return it.Schedule != nil && it.Schedule.Pattern() != PatternOnce
}

// Clone returns a deep copy so in-memory stores never share mutable state with callers.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	c := *it
	if it.Media != nil {
		c.Media = append([]string(nil), it.Media...)
	}
	if it.Secondary != nil {
		s := *it.Secondary
		c.Secondary = &s
	}
	c.ScheduledAt = cloneTime(it.ScheduledAt)
	c.Occurrence = cloneTime(it.Occurrence)
	c.PublishedAt = cloneTime(it.PublishedAt)
	if it.Lock != nil {
		l := *it.Lock
		c.Lock = &l
	}
	c.Schedule = CloneSchedule(it.Schedule)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func TimePtr(t time.Time) *time.Time { return &t }
