package health

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/store"
)

func TestPersister_WritesSnapshots(t *testing.T) {
	kv := store.NewMemoryStore()
	p := NewPersister(kv)

	tr := NewTracker(Config{FailureThreshold: 5})
	tr.SetPersister(p)

	tr.RecordOutcome("openai", "gpt-4", true, 120*time.Millisecond)
	p.Stop()

	raw, err := kv.Get(context.Background(), "health:openai:gpt-4")
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	assert.Equal(t, "openai", snap.Provider)
	assert.Equal(t, "closed", snap.StateName)
	assert.Equal(t, uint64(1), snap.SuccessCount)
}

func TestPersister_LossNeverAffectsRouting(t *testing.T) {
	// A tracker with no persister, and one whose persister is stopped,
	// both keep serving outcomes.
	tr := NewTracker(Config{FailureThreshold: 5})
	tr.RecordOutcome("openai", "gpt-4", true, 100*time.Millisecond)
	assert.True(t, tr.Admit("openai", "gpt-4"))
}
