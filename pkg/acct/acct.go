package acct

import (
	"time"
)

// RecordKind distinguishes accounting events.
type RecordKind string

const (
	KindJobStart     RecordKind = "job-start"
	KindStepStart    RecordKind = "step-start"
	KindStepComplete RecordKind = "step-complete"
	KindJobComplete  RecordKind = "job-complete"
)

// Record is one accounting event for a job or step.
type Record struct {
	Kind      RecordKind
	JobID     uint32
	StepID    uint32
	Name      string
	UserID    uint32
	GroupID   uint32
	Partition string
	Account   string
	NodeList  string
	NodeCnt   uint32
	State     string
	ExitCode  uint32
	Reason    string
	StartTime time.Time
	EndTime   time.Time
	Timestamp time.Time

	MaxRSS     uint64
	UserUsec   uint64
	SystemUsec uint64
}

// Filter selects records from a sink.
type Filter struct {
	JobID  uint32 // 0 matches all
	UserID uint32 // 0 matches all
	Kind   RecordKind
	Since  time.Time
	Until  time.Time
}

// Matches reports whether r passes the filter.
func (f *Filter) Matches(r *Record) bool {
	if f.JobID != 0 && r.JobID != f.JobID {
		return false
	}
	if f.UserID != 0 && r.UserID != f.UserID {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// ArchiveParams controls Archive.
type ArchiveParams struct {
	Before time.Time // records older than this move to the archive
}

// Sink is the accounting interface the controller emits records through.
type Sink interface {
	SetLocation(path string) error
	LogRecord(r *Record) error
	GetJobs(f *Filter) ([]*Record, error)
	Archive(f *Filter, p *ArchiveParams) (int, error)
	Strerror(code int) string
	Close() error
}

// Discard is a sink that drops every record; used when accounting is not
// configured.
type Discard struct{}

func (Discard) SetLocation(string) error                       { return nil }
func (Discard) LogRecord(*Record) error                        { return nil }
func (Discard) GetJobs(*Filter) ([]*Record, error)             { return nil, nil }
func (Discard) Archive(*Filter, *ArchiveParams) (int, error)   { return 0, nil }
func (Discard) Strerror(int) string                            { return "no error" }
func (Discard) Close() error                                   { return nil }
