package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/pkg/types"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(t.TempDir(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleChange() types.RetroactiveChange {
	change := types.NewRetroactiveChange("s1", "lore-1", types.TargetLore, types.ChangeModification)
	change.OriginalContent = "John fears heights"
	change.ModifiedContent = "John once feared heights"
	change.Justification = "reconcile with newer content"
	change.InWorldExplanation = "The fear faded over the years."
	return change
}

func TestRecordAndLookupChange(t *testing.T) {
	l := newTestLogger(t)
	change := sampleChange()

	l.RecordApplied("s1", "res-1", &change, "lore-1:v2")

	event, found, err := l.LookupChange(change.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, event.Change)
	assert.Equal(t, "lore-1:v2", event.CreatedID)
	assert.Equal(t, change.OriginalContent, event.Change.OriginalContent)
	assert.Equal(t, change.ModifiedContent, event.Change.ModifiedContent)

	// The recorded change is enough to rebuild the inverse
	inv := event.Change.Inverse("manual reversal", "The fear returned.")
	assert.Equal(t, change.ModifiedContent, inv.OriginalContent)
	assert.Equal(t, change.OriginalContent, inv.ModifiedContent)
}

func TestLookupMissingChange(t *testing.T) {
	l := newTestLogger(t)
	_, found, err := l.LookupChange("no-such-change")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCounts(t *testing.T) {
	l := newTestLogger(t)
	change := sampleChange()

	l.RecordApplied("s1", "res-1", &change, "lore-1:v2")
	l.RecordRejected("s1", "res-2", "simulated state still contradicts canon")
	l.RecordRejected("s1", "res-3", "empty justification")

	counts := l.Counts()
	assert.Equal(t, int64(1), counts[EventRetconApplied])
	assert.Equal(t, int64(2), counts[EventRetconRejected])
}

func TestCloseFlushes(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, time.Hour)
	require.NoError(t, err)

	change := sampleChange()
	l.RecordApplied("s1", "res-1", &change, "lore-1:v2")
	require.NoError(t, l.Close())

	// Reopen and read back through a fresh logger
	l2, err := NewLogger(dir, time.Hour)
	require.NoError(t, err)
	defer func() { _ = l2.Close() }()

	_, found, err := l2.LookupChange(change.ID)
	require.NoError(t, err)
	assert.True(t, found)
}
