package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/polyamm/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	// multipartThreshold switches large archives to the upload manager.
	multipartThreshold = 16 * 1024 * 1024
	// tradePageSize bounds each trade query while an archive is built.
	tradePageSize = 1000
	archivePrefix = "archive/markets/"
)

// multipartWriter is implemented by Writer; other BlobWriters fall back to
// a single Put.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// ArchiveRecord is one line of a market archive. The first line carries
// the market; each following line carries one trade, oldest first.
type ArchiveRecord struct {
	Kind   string         `json:"kind"`
	Market *domain.Market `json:"market,omitempty"`
	Trade  *domain.Trade  `json:"trade,omitempty"`
}

var _ domain.Archiver = (*Archiver)(nil)

// Archiver copies each resolved market and its trades to one JSONL object.
// Markets already archived are skipped and source rows are never removed.
type Archiver struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	markets domain.MarketStore
	trades  domain.TradeStore
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	markets domain.MarketStore,
	trades domain.TradeStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:  writer,
		reader:  reader,
		markets: markets,
		trades:  trades,
		audit:   audit,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchivePath is the object path of a market's archive, partitioned by the
// month it resolved in.
//
//	archive/markets/2026-03/<market id>.jsonl
func ArchivePath(m domain.Market) string {
	month := m.CreatedAt
	if m.ResolvedAt != nil {
		month = *m.ResolvedAt
	}
	return fmt.Sprintf("%s%s/%s.jsonl", archivePrefix, month.UTC().Format("2006-01"), m.ID)
}

// ListArchives returns the archives of one resolution month, formatted
// YYYY-MM, or of every month when month is empty. Results are sorted by
// path.
func ListArchives(ctx context.Context, reader domain.BlobReader, month string) ([]domain.BlobInfo, error) {
	prefix := archivePrefix
	if month != "" {
		if _, err := time.Parse("2006-01", month); err != nil {
			return nil, fmt.Errorf("s3blob: archive month %q: want YYYY-MM", month)
		}
		prefix += month + "/"
	}
	infos, err := reader.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("s3blob: list archives: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// ReadArchive decodes the market archive at path.
func ReadArchive(ctx context.Context, reader domain.BlobReader, path string) ([]ArchiveRecord, error) {
	rc, err := reader.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read archive %s: %w", path, err)
	}
	defer rc.Close()

	var records []ArchiveRecord
	dec := json.NewDecoder(rc)
	for {
		var rec ArchiveRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("s3blob: decode archive %s record %d: %w", path, len(records), err)
		}
		records = append(records, rec)
	}
	if len(records) == 0 || records[0].Kind != "market" || records[0].Market == nil {
		return nil, fmt.Errorf("s3blob: archive %s has no market header", path)
	}
	return records, nil
}

// ArchiveResolved archives every market resolved before the cutoff and
// returns how many were written in this run. A failing market is logged
// and the rest are still attempted.
func (a *Archiver) ArchiveResolved(ctx context.Context, before time.Time) (int64, error) {
	markets, err := a.markets.ListResolvedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}

	var (
		written int64
		errs    []error
	)
	for _, m := range markets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := a.archiveMarket(ctx, m)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive market failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		if ok {
			written++
		}
	}

	if written > 0 {
		if err := a.audit.Log(ctx, "archive.markets", map[string]any{
			"count":  written,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			errs = append(errs, fmt.Errorf("s3blob: archive audit log: %w", err))
		}
	}
	return written, errors.Join(errs...)
}

func (a *Archiver) archiveMarket(ctx context.Context, m domain.Market) (bool, error) {
	path := ArchivePath(m)
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	buf, trades, err := a.encodeMarket(ctx, m)
	if err != nil {
		return false, err
	}

	if mw, ok := a.writer.(multipartWriter); ok && buf.Len() > multipartThreshold {
		err = mw.PutMultipart(ctx, path, buf, jsonlContentType, minPartSize)
	} else {
		err = a.writer.Put(ctx, path, buf, jsonlContentType)
	}
	if err != nil {
		return false, fmt.Errorf("s3blob: archive upload %s: %w", m.ID, err)
	}

	a.logger.InfoContext(ctx, "market archived",
		slog.String("market_id", m.ID),
		slog.String("path", path),
		slog.Int("trades", trades),
	)
	return true, nil
}

// encodeMarket renders the market line followed by its trades in
// chronological order.
func (a *Archiver) encodeMarket(ctx context.Context, m domain.Market) (*bytes.Buffer, int, error) {
	var all []domain.Trade
	for offset := 0; ; offset += tradePageSize {
		page, err := a.trades.ListByMarket(ctx, m.ID, domain.ListOpts{Limit: tradePageSize, Offset: offset})
		if err != nil {
			return nil, 0, fmt.Errorf("s3blob: archive trades %s: %w", m.ID, err)
		}
		all = append(all, page...)
		if len(page) < tradePageSize {
			break
		}
	}

	records := make([]ArchiveRecord, 0, len(all)+1)
	records = append(records, ArchiveRecord{Kind: "market", Market: &m})
	for i := len(all) - 1; i >= 0; i-- {
		records = append(records, ArchiveRecord{Kind: "trade", Trade: &all[i]})
	}

	var buf bytes.Buffer
	if err := writeJSONL(&buf, records); err != nil {
		return nil, 0, fmt.Errorf("s3blob: archive marshal %s: %w", m.ID, err)
	}
	return &buf, len(all), nil
}

// writeJSONL writes one compact JSON value per line.
func writeJSONL[T any](w io.Writer, records []T) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return nil
}
