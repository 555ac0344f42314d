package cdr

import (
	"encoding/csv"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger { return slog.Default() }

func TestDedupKeyKeysMessageOnCallIDAndCSeqButNotOthers(t *testing.T) {
	assert.Equal(t, "call-1#5", DedupKey(Message, "call-1", 5))
	assert.Equal(t, "call-1", DedupKey(Call, "call-1", 5))
	assert.Equal(t, "call-1", DedupKey(Register, "call-1", 5))
}

func TestRecordOrUpdateCreatesRowOnFirstMilestone(t *testing.T) {
	r := New(t.TempDir(), testLogger(), nil)
	key := DedupKey(Call, "call-1", 0)

	r.RecordOrUpdate(key, Call, "call-1", MilestoneInvite, func(row *Row) {
		row.CallerUser = "alice"
	})

	row := r.inProgress[key]
	require.NotNil(t, row)
	assert.Equal(t, "alice", row.CallerUser)
	assert.False(t, row.InviteTime.IsZero())
	assert.Equal(t, row.InviteTime, row.StartTime)
}

func TestRecordOrUpdateMilestonesAreIdempotent(t *testing.T) {
	r := New(t.TempDir(), testLogger(), nil)
	key := DedupKey(Call, "call-1", 0)

	r.RecordOrUpdate(key, Call, "call-1", MilestoneInvite, nil)
	first := r.inProgress[key].InviteTime

	time.Sleep(time.Millisecond)
	r.RecordOrUpdate(key, Call, "call-1", MilestoneInvite, nil)
	assert.Equal(t, first, r.inProgress[key].InviteTime, "a later invite-seen must not overwrite the first timestamp")
}

func TestRecordOrUpdateEndedComputesDuration(t *testing.T) {
	r := New(t.TempDir(), testLogger(), nil)
	key := DedupKey(Call, "call-1", 0)

	r.RecordOrUpdate(key, Call, "call-1", MilestoneInvite, nil)
	row := r.inProgress[key]
	row.StartTime = time.Now().Add(-5 * time.Second)

	r.RecordOrUpdate(key, Call, "call-1", MilestoneEnded, func(row *Row) {
		row.State = StateEnded
	})

	assert.InDelta(t, 5.0, r.inProgress[key].DurationSecs, 1.0)
}

func TestRecordOrUpdateIgnoredAfterFlush(t *testing.T) {
	r := New(t.TempDir(), testLogger(), nil)
	key := DedupKey(Call, "call-1", 0)

	r.RecordOrUpdate(key, Call, "call-1", MilestoneInvite, nil)
	require.NoError(t, r.Flush(key, false))

	// A retransmitted INVITE arriving after flush must not recreate the row.
	r.RecordOrUpdate(key, Call, "call-1", MilestoneInvite, nil)
	assert.Nil(t, r.inProgress[key])
}

func TestFlushWritesCSVWithHeaderOnFirstRow(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, testLogger(), nil)
	key := DedupKey(Call, "call-1", 0)
	r.RecordOrUpdate(key, Call, "call-1", MilestoneInvite, func(row *Row) {
		row.CallerUser = "alice"
		row.CalleeUser = "bob"
	})

	require.NoError(t, r.Flush(key, false))

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, date, "cdr_"+date+".csv")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2, "header row plus one data row")
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "alice", records[1][8])
	assert.Equal(t, "bob", records[1][11])
}

func TestFlushIsNoOpWhenNoRowInProgress(t *testing.T) {
	r := New(t.TempDir(), testLogger(), nil)
	assert.NoError(t, r.Flush("no-such-key", false))
}

func TestFlushWithForceWritesEvenWithoutPriorTombstone(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, testLogger(), nil)
	key := DedupKey(Call, "call-1", 0)
	r.RecordOrUpdate(key, Call, "call-1", MilestoneInvite, nil)

	require.NoError(t, r.Flush(key, true))
	_, tombstoned := r.flushed[key]
	assert.True(t, tombstoned)
}

func TestFlushAllFlushesEveryInProgressRow(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, testLogger(), nil)
	r.RecordOrUpdate(DedupKey(Call, "call-1", 0), Call, "call-1", MilestoneInvite, nil)
	r.RecordOrUpdate(DedupKey(Call, "call-2", 0), Call, "call-2", MilestoneInvite, nil)

	require.NoError(t, r.FlushAll())
	assert.Empty(t, r.inProgress)
	assert.Len(t, r.flushed, 2)
}

func TestSweepFlushedEvictsOldTombstonesOnly(t *testing.T) {
	r := New(t.TempDir(), testLogger(), nil)
	r.flushed["stale"] = time.Now().Add(-time.Hour)
	r.flushed["fresh"] = time.Now()

	removed := r.SweepFlushed(time.Minute)
	assert.Equal(t, 1, removed)
	_, staleStillThere := r.flushed["stale"]
	assert.False(t, staleStillThere)
	_, freshStillThere := r.flushed["fresh"]
	assert.True(t, freshStillThere)
}

func TestMessageRecordsWithDifferentCSeqDoNotMerge(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, testLogger(), nil)
	key1 := DedupKey(Message, "call-1", 1)
	key2 := DedupKey(Message, "call-1", 2)

	r.RecordOrUpdate(key1, Message, "call-1", MilestoneInvite, nil)
	r.RecordOrUpdate(key2, Message, "call-1", MilestoneInvite, nil)

	assert.Len(t, r.inProgress, 2)
}

func TestMergeModeOffWritesOneRowPerMilestoneInstead(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, testLogger(), func() bool { return false })
	key := DedupKey(Call, "call-1", 0)

	r.RecordOrUpdate(key, Call, "call-1", MilestoneInvite, func(row *Row) { row.CallerUser = "alice" })
	r.RecordOrUpdate(key, Call, "call-1", MilestoneRinging, nil)
	r.RecordOrUpdate(key, Call, "call-1", MilestoneEnded, func(row *Row) { row.FinalStatus = 200 })

	assert.Empty(t, r.inProgress, "per-milestone mode never stages rows")

	path := filepath.Join(dir, time.Now().Format("2006-01-02"), "cdr_"+time.Now().Format("2006-01-02")+".csv")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4, "header row plus one row per milestone")
	assert.Equal(t, csvHeader, records[0])
}

func TestMergeModeOffDedupesRetransmittedMilestoneSeparatelyFromCall(t *testing.T) {
	r := New(t.TempDir(), testLogger(), func() bool { return false })
	key := DedupKey(Call, "call-1", 0)

	r.RecordOrUpdate(key, Call, "call-1", MilestoneInvite, nil)
	r.RecordOrUpdate(key, Call, "call-1", MilestoneInvite, nil)

	_, tombstoned := r.flushed[key+"#"+string(MilestoneInvite)]
	assert.True(t, tombstoned)
	assert.Equal(t, 1, r.nextSeq, "the retransmitted invite-seen milestone must not produce a second row")
}
