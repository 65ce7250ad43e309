package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/nixikanius/trading-bot/internal/config"
	"github.com/nixikanius/trading-bot/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		Positions: []core.Position{
			{
				InstrumentID:  "AAPL US Equity",
				Quantity:      decimal.RequireFromString("60"),
				AvgEntryPrice: decimal.RequireFromString("101.5"),
				RealizedPnL:   decimal.RequireFromString("240"),
			},
		},
		Orders: []core.Order{
			{
				ClientOrderID: "c-1",
				BrokerOrderID: "B-1001",
				InstrumentID:  "AAPL US Equity",
				Side:          core.SideBuy,
				Quantity:      decimal.RequireFromString("10"),
				State:         core.OrderStateAcknowledged,
				CreatedAt:     time.Now(),
			},
		},
	}
}

func TestSQLiteStore_SaveLoadRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snap.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(context.Background(), sampleSnapshot()))

	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, snapshotVersion, loaded.Version)
	require.Len(t, loaded.Positions, 1)
	assert.True(t, loaded.Positions[0].Quantity.Equal(decimal.RequireFromString("60")))
	require.Len(t, loaded.Orders, 1)
	assert.Equal(t, "c-1", loaded.Orders[0].ClientOrderID)
	assert.Equal(t, core.OrderStateAcknowledged, loaded.Orders[0].State)
}

func TestSQLiteStore_LoadWithoutSnapshot(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snap.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSQLiteStore_SaveOverwritesPrevious(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snap.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(context.Background(), sampleSnapshot()))

	second := sampleSnapshot()
	second.Positions[0].Quantity = decimal.RequireFromString("120")
	require.NoError(t, s.Save(context.Background(), second))

	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.Positions[0].Quantity.Equal(decimal.RequireFromString("120")))
}

func TestSQLiteStore_DetectsCorruption(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snap.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(context.Background(), sampleSnapshot()))

	// Tamper with the stored payload behind the store's back
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE snapshot SET data = '{"positions":[]}' WHERE id = 1`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = s.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()

	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded)

	require.NoError(t, s.Save(context.Background(), sampleSnapshot()))

	loaded, err = s.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Len(t, loaded.Positions, 1)
}

func TestOpen_Drivers(t *testing.T) {
	s, err := Open(config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.NotNil(t, s)

	s, err = Open(config.StoreConfig{Driver: ""})
	require.NoError(t, err)
	assert.Nil(t, s, "empty driver disables persistence")

	s, err = Open(config.StoreConfig{Driver: "none"})
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = Open(config.StoreConfig{Driver: "etcd"})
	assert.Error(t, err)
}

func TestOpen_SQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snap.db")
	s, err := Open(config.StoreConfig{Driver: "sqlite", Path: dbPath})
	require.NoError(t, err)
	require.NotNil(t, s)
	defer s.Close()

	require.NoError(t, s.Save(context.Background(), sampleSnapshot()))
}
