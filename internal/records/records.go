// Package records holds the domain types shared by the normalizer, the
// ingest layer, the merge engine and the storage backends.
package records

import (
	"time"
)

// Entity names one of the three versioned warehouse entities.
type Entity string

const (
	EntityActor       Entity = "actor"
	EntityItem        Entity = "item"
	EntityInteraction Entity = "interaction"
)

// Entities lists the entities in merge order.
var Entities = []Entity{EntityActor, EntityItem, EntityInteraction}

// RunContext carries the processing date of a run.
//
// Normalizer and merge engine never read the clock themselves; callers build a
// RunContext once per run and pass it down.
type RunContext struct {
	// Today is the processing date, truncated to midnight UTC.
	Today time.Time

	// TodayDateKey is the date key resolved for Today.
	TodayDateKey int64

	// Synthetic is true when TodayDateKey was synthesized (YYYYMMDD) because the
	// date dimension had no row for Today. Ingest accepts that, merge does not.
	Synthetic bool
}

// NewRunContext builds a RunContext for the given instant. Time of day is dropped.
func NewRunContext(now time.Time, key int64, synthetic bool) RunContext {
	return RunContext{Today: DateOnly(now), TodayDateKey: key, Synthetic: synthetic}
}

// DateOnly truncates t to midnight UTC, keeping the calendar date of t in its
// own location.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Actor is the author sub-record of a staged snapshot.
type Actor struct {
	ActorID  string
	Name     string
	Nickname string
	Avatar   string
}

// Item is the video sub-record. ActorID may be empty (unknown author).
type Item struct {
	ItemID      string
	ActorID     string
	TextContent string
	Duration    int64
	CreateTime  *time.Time
	WebURL      string
}

// Interaction is the engagement-counter sub-record, keyed by item id.
type Interaction struct {
	ItemID       string
	DiggCount    int64
	PlayCount    int64
	ShareCount   int64
	CommentCount int64
	CollectCount int64
}

// StagedRecord is the normalized form of one raw payload, as observed on the
// run identified by DateKey.
type StagedRecord struct {
	DateKey     int64
	Actor       *Actor
	Item        Item
	Interaction Interaction
}

// Capture status values.
const (
	CaptureSuccess = "success"
	CaptureFailed  = "failed"
)

// RawCapture is one archived input payload.
type RawCapture struct {
	Filename   string
	Sequence   int
	Payload    string
	Status     string
	Error      string
	Line       int // 0 when unknown
	DateKey    int64
	CapturedAt time.Time
}

// Run status values.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
)

// EntityCounts are the per-entity merge results.
type EntityCounts struct {
	Records  int64 // staged rows considered
	Inserted int64 // brand-new natural keys
	Updated  int64 // keys whose current version was closed and replaced
	Skipped  int64 // unchanged keys; never part of Inserted/Updated

	StartedAt time.Time
	EndedAt   time.Time
}

// Counts maps entity to its merge counts.
type Counts map[Entity]EntityCounts

// RunAudit is the persisted record of one merge execution.
type RunAudit struct {
	RunID        string
	RunName      string
	DateKey      int64
	Status       string
	StartedAt    time.Time
	EndedAt      time.Time
	Counts       Counts
	ErrorState   string
	ErrorMessage string
}

// LoadLog is a per-entity breakdown row written next to a successful RunAudit.
type LoadLog struct {
	RunID          string
	TableName      string
	RecordCount    int64
	InsertedCount  int64
	UpdatedCount   int64
	SkippedCount   int64
	Status         string
	StartedAt      time.Time
	EndedAt        time.Time
	DurationMS     int64
	SourceFilename string
}
