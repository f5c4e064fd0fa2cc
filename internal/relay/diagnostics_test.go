package relay

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiagnosticsLog_SnapshotMostRecentFirst(t *testing.T) {
	d := newDiagnosticsLog()
	d.Record("first", nil)
	d.Record("second", nil)
	d.Record("third", nil)

	snap := d.Snapshot(0)
	require.Len(t, snap, 3)
	require.Equal(t, "third", snap[0].Kind)
	require.Equal(t, "second", snap[1].Kind)
	require.Equal(t, "first", snap[2].Kind)
}

func TestDiagnosticsLog_SnapshotRespectsLimit(t *testing.T) {
	d := newDiagnosticsLog()
	for i := 0; i < 5; i++ {
		d.Record(fmt.Sprintf("event-%d", i), nil)
	}

	snap := d.Snapshot(2)
	require.Len(t, snap, 2)
	require.Equal(t, "event-4", snap[0].Kind)
	require.Equal(t, "event-3", snap[1].Kind)
}

func TestDiagnosticsLog_EvictsOldestPastCap(t *testing.T) {
	d := newDiagnosticsLog()
	for i := 0; i < maxDiagnosticEvents+10; i++ {
		d.Record(fmt.Sprintf("event-%d", i), nil)
	}

	snap := d.Snapshot(0)
	require.Len(t, snap, maxDiagnosticEvents)
	require.Equal(t, fmt.Sprintf("event-%d", maxDiagnosticEvents+9), snap[0].Kind)
}
