package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

const (
	contentTypeJSONL = "application/x-ndjson"
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 16 * 1024 * 1024
)

// ObjectChecker confirms an upload landed before the source rows go.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// OrderArchiver implements domain.Archiver: terminal orders older than the
// cutoff are written as one JSONL object, verified and then pruned from the
// primary store.
type OrderArchiver struct {
	store   domain.OrderArchiveStore
	writer  domain.BlobWriter
	checker ObjectChecker
	prefix  string
	logger  *slog.Logger
}

// NewOrderArchiver creates an OrderArchiver writing under prefix
// (default "archive/orders").
func NewOrderArchiver(store domain.OrderArchiveStore, writer domain.BlobWriter, checker ObjectChecker, prefix string, logger *slog.Logger) *OrderArchiver {
	if prefix == "" {
		prefix = "archive/orders"
	}
	return &OrderArchiver{
		store:   store,
		writer:  writer,
		checker: checker,
		prefix:  prefix,
		logger:  logger.With(slog.String("component", "order_archiver")),
	}
}

// ArchiveOrders uploads terminal orders last updated before before and
// removes them from the store. It returns the number archived.
func (a *OrderArchiver) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	orders, err := a.store.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders: %w", err)
	}
	if len(orders) == 0 {
		return 0, nil
	}

	data, err := marshalJSONL(orders)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders: %w", err)
	}
	path := archivePath(a.prefix, before)
	if len(data) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(data), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(data), contentTypeJSONL)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders: %w", err)
	}

	if a.checker != nil {
		ok, err := a.checker.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: verify archive %s: %w", path, err)
		}
		if !ok {
			return 0, fmt.Errorf("s3blob: verify archive %s: %w", path, domain.ErrNotFound)
		}
	}

	deleted, err := a.store.DeleteTerminalBefore(ctx, before)
	if err != nil {
		return int64(len(orders)), fmt.Errorf("s3blob: prune archived orders: %w", err)
	}
	a.logger.InfoContext(ctx, "orders archived",
		slog.String("path", path),
		slog.Int("orders", len(orders)),
		slog.Int64("pruned", deleted),
		slog.Int("bytes", len(data)),
	)
	return int64(len(orders)), nil
}

// Prefix returns the object key prefix archives are written under.
func (a *OrderArchiver) Prefix() string { return a.prefix }

// Run archives orders older than retention every interval until ctx is
// cancelled.
func (a *OrderArchiver) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if _, err := a.ArchiveOrders(ctx, now.Add(-retention)); err != nil {
				a.logger.WarnContext(ctx, "archive pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// marshalJSONL encodes one order per line.
func marshalJSONL(orders []domain.Order) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, o := range orders {
		if err := enc.Encode(o); err != nil {
			return nil, fmt.Errorf("marshal order %s: %w", o.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// archivePath returns "{prefix}/2006-01/20060102T150405Z.jsonl" for the
// cutoff, so passes never overwrite each other.
func archivePath(prefix string, cutoff time.Time) string {
	cutoff = cutoff.UTC()
	return fmt.Sprintf("%s/%s/%s.jsonl", prefix, cutoff.Format("2006-01"), cutoff.Format("20060102T150405Z"))
}

var _ domain.Archiver = (*OrderArchiver)(nil)
