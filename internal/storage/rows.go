package storage

import (
	"snapwh/internal/records"
)

// RawCaptureRow renders c in RawCaptureColumns order.
func RawCaptureRow(c records.RawCapture) []any {
	var errMsg, line any
	if c.Error != "" {
		errMsg = c.Error
	}
	if c.Line > 0 {
		line = int64(c.Line)
	}
	return []any{c.Filename, int64(c.Sequence), c.Payload, c.Status, errMsg, line, c.DateKey, c.CapturedAt.UTC()}
}

// LoadLogRow renders l in LoadLogColumns order.
func LoadLogRow(l records.LoadLog) []any {
	var src any
	if l.SourceFilename != "" {
		src = l.SourceFilename
	}
	return []any{
		l.RunID, l.TableName, l.RecordCount, l.InsertedCount, l.UpdatedCount, l.SkippedCount,
		l.Status, l.StartedAt.UTC(), l.EndedAt.UTC(), l.DurationMS, src,
	}
}

// RunAuditStartColumns are the columns InsertRunAudit writes, in
// RunAuditStartValues order.
var RunAuditStartColumns = []string{"run_id", "run_name", "date_key", "status", "started_at"}

func RunAuditStartValues(a records.RunAudit) []any {
	return []any{a.RunID, a.RunName, a.DateKey, records.RunRunning, a.StartedAt.UTC()}
}

// RunAuditFinishValues renders a in RunAuditFinishColumns order.
func RunAuditFinishValues(a records.RunAudit) []any {
	var state, msg any
	if a.ErrorState != "" {
		state = a.ErrorState
	}
	if a.ErrorMessage != "" {
		msg = a.ErrorMessage
	}
	c := a.Counts
	return []any{
		a.Status, a.EndedAt.UTC(),
		c[records.EntityActor].Inserted, c[records.EntityActor].Updated,
		c[records.EntityItem].Inserted, c[records.EntityItem].Updated,
		c[records.EntityInteraction].Inserted, c[records.EntityInteraction].Updated,
		state, msg,
	}
}
