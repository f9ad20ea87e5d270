package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/polyamm/internal/domain"
	"github.com/alanyoungcy/polyamm/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: make(map[string][]byte)} }

func (b *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if b.failPut != nil {
		return b.failPut
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.objects[path] = raw
	b.mu.Unlock()
	return nil
}

func (b *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BlobInfo
	for p, raw := range b.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(raw))})
		}
	}
	return out, nil
}

func (b *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

func resolvedMarket(id string, resolvedAt time.Time) domain.Market {
	yes := domain.OutcomeYes
	return domain.Market{
		ID:               id,
		Question:         "Archived?",
		Reserves:         domain.Reserves{Yes: decimal.NewFromInt(400), No: decimal.NewFromInt(625)},
		K:                decimal.NewFromInt(250000),
		InitialLiquidity: decimal.NewFromInt(1000),
		Status:           domain.MarketStatusResolved,
		ExpiresAt:        resolvedAt.Add(-time.Hour),
		ResolvedOutcome:  &yes,
		ResolvedAt:       &resolvedAt,
		VolumeTotal:      decimal.NewFromInt(30),
		CreatedAt:        resolvedAt.Add(-48 * time.Hour),
		Version:          4,
	}
}

func TestArchiveResolved(t *testing.T) {
	ctx := context.Background()
	db := memory.NewDB()
	markets := memory.NewMarketStore(db)
	audit := memory.NewAuditStore(db)

	resolvedAt := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	old := resolvedMarket("m-old", resolvedAt)
	recent := resolvedMarket("m-recent", resolvedAt.Add(60*24*time.Hour))
	require.NoError(t, markets.Create(ctx, old))
	require.NoError(t, markets.Create(ctx, recent))

	for i := 1; i <= 3; i++ {
		tr := domain.Trade{
			ID:             "t" + string(rune('0'+i)),
			MarketID:       old.ID,
			Outcome:        domain.OutcomeYes,
			Actor:          "alice",
			USDAmount:      decimal.NewFromInt(10),
			SharesReceived: decimal.NewFromInt(19),
			Timestamp:      old.CreatedAt.Add(time.Duration(i) * time.Hour),
		}
		next := old
		next.Version = old.Version + int64(i)
		require.NoError(t, markets.CommitTrade(ctx, next, next.Version-1, tr))
	}

	blobs := newMemBlobs()
	a := NewArchiver(blobs, blobs, markets, memory.NewTradeStore(db), audit,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	cutoff := resolvedAt.Add(30 * 24 * time.Hour)
	n, err := a.ArchiveResolved(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	raw, ok := blobs.objects["archive/markets/2026-03/m-old.jsonl"]
	require.True(t, ok)

	var records []ArchiveRecord
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		var rec ArchiveRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 4)
	assert.Equal(t, "market", records[0].Kind)
	require.NotNil(t, records[0].Market)
	assert.Equal(t, old.ID, records[0].Market.ID)
	assert.Equal(t, []string{"t1", "t2", "t3"}, []string{
		records[1].Trade.ID, records[2].Trade.ID, records[3].Trade.ID,
	})

	// A second run finds the object and writes nothing.
	n, err = a.ArchiveResolved(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.markets", entries[0].Event)

	_, err = markets.GetByID(ctx, old.ID)
	assert.NoError(t, err, "archived markets stay in the store")

	infos, err := ListArchives(ctx, blobs, "2026-03")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "archive/markets/2026-03/m-old.jsonl", infos[0].Path)

	read, err := ReadArchive(ctx, blobs, infos[0].Path)
	require.NoError(t, err)
	require.Len(t, read, 4)
	assert.Equal(t, old.Question, read[0].Market.Question)
	assert.True(t, read[0].Market.Reserves.Yes.Equal(old.Reserves.Yes))
	assert.Equal(t, "t3", read[3].Trade.ID)
}

func TestListAndReadArchiveErrors(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()

	_, err := ListArchives(ctx, blobs, "March")
	assert.Error(t, err)

	infos, err := ListArchives(ctx, blobs, "")
	require.NoError(t, err)
	assert.Empty(t, infos)

	_, err = ReadArchive(ctx, blobs, "archive/markets/2026-03/missing.jsonl")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	blobs.objects["archive/markets/2026-03/bad.jsonl"] = []byte(`{"kind":"trade","trade":{"id":"t1"}}` + "\n")
	_, err = ReadArchive(ctx, blobs, "archive/markets/2026-03/bad.jsonl")
	assert.ErrorContains(t, err, "no market header")
}

func TestArchiveResolvedUploadFailure(t *testing.T) {
	ctx := context.Background()
	db := memory.NewDB()
	markets := memory.NewMarketStore(db)
	resolvedAt := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, markets.Create(ctx, resolvedMarket("m1", resolvedAt)))

	blobs := newMemBlobs()
	blobs.failPut = errors.New("bucket offline")
	a := NewArchiver(blobs, blobs, markets, memory.NewTradeStore(db), memory.NewAuditStore(db),
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := a.ArchiveResolved(ctx, resolvedAt.Add(time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket offline")
	assert.Equal(t, int64(0), n)
}

func TestClientKeys(t *testing.T) {
	c := &Client{prefix: "polyamm"}
	assert.Equal(t, "polyamm/archive/x.jsonl", c.key("/archive/x.jsonl"))
	assert.Equal(t, "archive/x.jsonl", c.path("polyamm/archive/x.jsonl"))

	bare := &Client{}
	assert.Equal(t, "archive/x.jsonl", bare.key("archive/x.jsonl"))

	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
}
