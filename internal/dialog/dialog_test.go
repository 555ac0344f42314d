package dialog

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipcore/proxy/sip"
)

func testLogger() *slog.Logger { return slog.Default() }

func addr(ip string, port int) sip.Addr {
	return sip.Addr{IP: net.ParseIP(ip), Port: port}
}

func TestTableCreateGetTouchRemove(t *testing.T) {
	tbl := NewTable(testLogger())
	caller := addr("192.0.2.10", 5060)
	callee := addr("192.0.2.20", 5060)

	ctx := tbl.Create("call-1", caller, callee)
	assert.Equal(t, Early, ctx.State)

	got := tbl.Get("call-1")
	require.NotNil(t, got)
	assert.Equal(t, caller, got.CallerEndpoint)

	confirmed := Confirmed
	ok := tbl.Touch("call-1", &confirmed)
	assert.True(t, ok)
	assert.Equal(t, Confirmed, tbl.Get("call-1").State)

	removed := tbl.Remove("call-1")
	require.NotNil(t, removed)
	assert.Nil(t, tbl.Get("call-1"))
}

func TestTableTouchUnknownCallIDReportsFalse(t *testing.T) {
	tbl := NewTable(testLogger())
	assert.False(t, tbl.Touch("no-such-call", nil))
}

func TestTableCreateOverwritesStaleEntry(t *testing.T) {
	tbl := NewTable(testLogger())
	tbl.Create("call-1", addr("192.0.2.1", 1), addr("192.0.2.2", 2))
	tbl.Create("call-1", addr("192.0.2.3", 3), addr("192.0.2.4", 4))

	ctx := tbl.Get("call-1")
	require.NotNil(t, ctx)
	assert.Equal(t, "192.0.2.3", ctx.CallerEndpoint.IP.String())
}

func TestTableCount(t *testing.T) {
	tbl := NewTable(testLogger())
	tbl.Create("call-1", addr("192.0.2.1", 1), addr("192.0.2.2", 2))
	tbl.Create("call-2", addr("192.0.2.3", 3), addr("192.0.2.4", 4))
	assert.Equal(t, 2, tbl.Count())
}

func TestTableSweepIdleRemovesStaleAndInvokesCallback(t *testing.T) {
	tbl := NewTable(testLogger())
	ctx := tbl.Create("stale-call", addr("192.0.2.1", 1), addr("192.0.2.2", 2))
	ctx.LastActivity = time.Now().Add(-time.Hour)
	tbl.Create("fresh-call", addr("192.0.2.3", 3), addr("192.0.2.4", 4))

	var seen []string
	removed := tbl.SweepIdle(time.Now().Add(-time.Minute), func(c *Context) {
		seen = append(seen, c.CallID)
	})

	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"stale-call"}, seen)
	assert.Nil(t, tbl.Get("stale-call"))
	assert.NotNil(t, tbl.Get("fresh-call"))
}

func TestPendingTableSetGetRemove(t *testing.T) {
	p := NewPendingTable()
	src := addr("192.0.2.10", 5060)
	p.Set("call-1", src)

	got, ok := p.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, src, got.Source)

	p.Remove("call-1")
	_, ok = p.Get("call-1")
	assert.False(t, ok)
}

func TestPendingTableSweepOlderThan(t *testing.T) {
	p := NewPendingTable()
	p.Set("stale", addr("192.0.2.1", 1))
	p.entries["stale"] = PendingEntry{Source: addr("192.0.2.1", 1), UpdatedAt: time.Now().Add(-time.Hour)}
	p.Set("fresh", addr("192.0.2.2", 2))

	removed := p.SweepOlderThan(time.Now().Add(-time.Minute))
	assert.Equal(t, 1, removed)
	_, ok := p.Get("stale")
	assert.False(t, ok)
	_, ok = p.Get("fresh")
	assert.True(t, ok)
}

func TestInviteBranchTableSetGetConsume(t *testing.T) {
	ib := NewInviteBranchTable()
	ib.Set("call-1", "z9hG4bK.abc")

	branch, ok := ib.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, "z9hG4bK.abc", branch)

	// Get does not consume; the branch must still be there.
	branch, ok = ib.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, "z9hG4bK.abc", branch)

	branch, ok = ib.Consume("call-1")
	require.True(t, ok)
	assert.Equal(t, "z9hG4bK.abc", branch)

	_, ok = ib.Get("call-1")
	assert.False(t, ok, "consume removes the entry")
}

func TestInviteBranchTableSweepOlderThan(t *testing.T) {
	ib := NewInviteBranchTable()
	ib.Set("stale", "branch-1")
	ib.entries["stale"] = InviteBranchEntry{Branch: "branch-1", CreatedAt: time.Now().Add(-time.Hour)}
	ib.Set("fresh", "branch-2")

	removed := ib.SweepOlderThan(time.Now().Add(-time.Minute))
	assert.Equal(t, 1, removed)
	_, ok := ib.Get("stale")
	assert.False(t, ok)
	_, ok = ib.Get("fresh")
	assert.True(t, ok)
}
