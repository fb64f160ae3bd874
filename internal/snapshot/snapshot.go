package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/warp-endpoint-scanner/internal/storage"
	"github.com/warp-endpoint-scanner/internal/types"
)

// Manager holds the latest ranking for readers and persists it in the background
type Manager struct {
	current   atomic.Value // stores *types.Snapshot
	storage   storage.Storage
	persistMu sync.Mutex
	pending   sync.WaitGroup
}

// NewManager creates a manager. store may be nil to disable persistence.
func NewManager(store storage.Storage) *Manager {
	m := &Manager{storage: store}
	m.current.Store(&types.Snapshot{Ranked: []types.Measurement{}})
	return m
}

// Update atomically replaces the current snapshot and persists it asynchronously
func (m *Manager) Update(ranked []types.Measurement, stats types.Stats) *types.Snapshot {
	if ranked == nil {
		ranked = []types.Measurement{}
	}
	snapshot := &types.Snapshot{
		Ranked:  ranked,
		Stats:   stats,
		Updated: time.Now(),
	}

	m.current.Store(snapshot)
	log.Infof("Snapshot updated: %d ranked endpoints", len(ranked))

	if m.storage != nil {
		m.pending.Add(1)
		go func() {
			defer m.pending.Done()
			m.persist(snapshot)
		}()
	}
	return snapshot
}

// Get returns the current snapshot (atomic read)
func (m *Manager) Get() *types.Snapshot {
	return m.current.Load().(*types.Snapshot)
}

// Top returns a copy of the best n measurements; n <= 0 returns all
func (m *Manager) Top(n int) []types.Measurement {
	ranked := m.Get().Ranked
	if n <= 0 || n > len(ranked) {
		n = len(ranked)
	}
	out := make([]types.Measurement, n)
	copy(out, ranked[:n])
	return out
}

func (m *Manager) Stats() types.Stats {
	return m.Get().Stats
}

func (m *Manager) persist(snapshot *types.Snapshot) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	// A newer snapshot will be persisted by its own goroutine.
	if m.Get() != snapshot {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.storage.Save(ctx, snapshot); err != nil {
		log.Errorf("Failed to persist snapshot: %v", err)
	} else {
		log.Debugf("Snapshot persisted: %d endpoints", len(snapshot.Ranked))
	}
}

// LoadFromStorage restores the last saved snapshot unless it is older than maxAge.
// maxAge <= 0 accepts any age.
func (m *Manager) LoadFromStorage(ctx context.Context, maxAge time.Duration) error {
	if m.storage == nil {
		return nil
	}

	snapshot, err := m.storage.Load(ctx)
	if err != nil {
		return err
	}
	if snapshot == nil {
		log.Info("No saved ranking in storage")
		return nil
	}

	if maxAge > 0 && time.Since(snapshot.Updated) > maxAge {
		log.Infof("Saved ranking from %s is stale, ignoring", snapshot.Updated.Format(time.RFC3339))
		return nil
	}
	if snapshot.Ranked == nil {
		snapshot.Ranked = []types.Measurement{}
	}

	m.current.Store(snapshot)
	log.Infof("Loaded %d ranked endpoints from storage", len(snapshot.Ranked))
	return nil
}

// Close waits for in-flight persistence to finish
func (m *Manager) Close() {
	m.pending.Wait()
}
