package health

import (
	"encoding/json"
	"time"

	"github.com/modelmux/modelmux/pkg/observability/logging"
	"github.com/modelmux/modelmux/pkg/store"
)

// persistTTL bounds how long a persisted health record stays visible to other
// instances. Stale records are worse than none.
const persistTTL = time.Hour

// Persister mirrors health snapshots into the shared store off the request
// path. Loss of the persisted copy never affects routing; it only makes
// failover less globally informed.
type Persister struct {
	writer *store.AsyncWriter
}

// NewPersister creates a persister over the given store.
func NewPersister(kv store.KVStore) *Persister {
	w := store.NewAsyncWriter(kv, store.AsyncWriterConfig{})
	w.Start()
	return &Persister{writer: w}
}

// Persist enqueues one snapshot write. Never blocks.
func (p *Persister) Persist(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		logging.Warnf("health persister: failed to marshal %s/%s: %v", snap.Provider, snap.Model, err)
		return
	}
	p.writer.Enqueue(store.WriteOp{
		Key:   "health:" + snap.Provider + ":" + snap.Model,
		Value: string(data),
		TTL:   persistTTL,
	})
}

// Stop drains pending writes.
func (p *Persister) Stop() {
	p.writer.Stop()
}
