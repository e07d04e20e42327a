package acct

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSink(t *testing.T) *BoltSink {
	t.Helper()
	s := NewBoltSink()
	require.NoError(t, s.SetLocation(filepath.Join(t.TempDir(), "acct.db")))
	t.Cleanup(func() { s.Close() })
	return s
}

func rec(job uint32, kind RecordKind, at time.Time) *Record {
	return &Record{
		Kind: kind, JobID: job, UserID: 500, Partition: "batch",
		State: "complete", Timestamp: at,
	}
}

func TestLogAndGet(t *testing.T) {
	s := testSink(t)
	now := time.Now()
	require.NoError(t, s.LogRecord(rec(1, KindJobStart, now)))
	require.NoError(t, s.LogRecord(rec(1, KindJobComplete, now)))
	require.NoError(t, s.LogRecord(rec(2, KindJobStart, now)))

	all, err := s.GetJobs(nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	one, err := s.GetJobs(&Filter{JobID: 1})
	require.NoError(t, err)
	assert.Len(t, one, 2)

	starts, err := s.GetJobs(&Filter{Kind: KindJobStart})
	require.NoError(t, err)
	assert.Len(t, starts, 2)
}

func TestFilterTime(t *testing.T) {
	s := testSink(t)
	old := time.Now().Add(-time.Hour)
	now := time.Now()
	require.NoError(t, s.LogRecord(rec(1, KindJobComplete, old)))
	require.NoError(t, s.LogRecord(rec(2, KindJobComplete, now)))

	recent, err := s.GetJobs(&Filter{Since: now.Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, uint32(2), recent[0].JobID)
}

func TestArchive(t *testing.T) {
	s := testSink(t)
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.LogRecord(rec(1, KindJobComplete, old)))
	require.NoError(t, s.LogRecord(rec(2, KindJobComplete, time.Now())))

	moved, err := s.Archive(nil, &ArchiveParams{Before: time.Now().Add(-24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	left, err := s.GetJobs(nil)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, uint32(2), left[0].JobID)
}

func TestNoLocation(t *testing.T) {
	s := NewBoltSink()
	assert.Error(t, s.LogRecord(rec(1, KindJobStart, time.Now())))
	_, err := s.GetJobs(nil)
	assert.Error(t, err)
}

func TestStrerror(t *testing.T) {
	s := NewBoltSink()
	assert.Equal(t, "no error", s.Strerror(0))
	assert.NotEmpty(t, s.Strerror(1))
	assert.NotEmpty(t, s.Strerror(99))
}

func TestDiscard(t *testing.T) {
	var d Discard
	assert.NoError(t, d.LogRecord(&Record{}))
	out, err := d.GetJobs(nil)
	assert.NoError(t, err)
	assert.Nil(t, out)
}
