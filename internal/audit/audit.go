package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsledger/apps/api/internal/store"
)

const SourceImport = "import"

type Logger struct {
	store store.Store
	now   func() time.Time
}

func NewLogger(s store.Store) *Logger {
	return &Logger{store: s, now: time.Now}
}

type Entry struct {
	Action     string
	EntityType string
	EntityID   string
	RequestID  string
	Metadata   map[string]any
}

func (l *Logger) Log(ctx context.Context, entry Entry) error {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	doc := store.Document{
		"id":         uuid.NewString(),
		"action":     entry.Action,
		"entityType": entry.EntityType,
		"metadata":   metadata,
		"createdAt":  l.now().UTC().Format(time.RFC3339Nano),
	}
	if entry.EntityID != "" {
		doc["entityId"] = entry.EntityID
	}
	if entry.RequestID != "" {
		doc["requestId"] = entry.RequestID
	}

	if err := l.store.InsertMany(ctx, store.CollectionAuditLogs, []store.Document{doc}); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// PriceAudit records the price a product was sold at by an imported order.
type PriceAudit struct {
	ProductID   string
	ProductName string
	Price       float64
	Source      string
}

func (l *Logger) LogPriceAudit(ctx context.Context, entry PriceAudit) error {
	source := entry.Source
	if source == "" {
		source = SourceImport
	}
	doc := store.Document{
		"id":          uuid.NewString(),
		"productId":   entry.ProductID,
		"productName": entry.ProductName,
		"price":       entry.Price,
		"source":      source,
		"createdAt":   l.now().UTC().Format(time.RFC3339Nano),
	}
	if err := l.store.InsertMany(ctx, store.CollectionPriceAudits, []store.Document{doc}); err != nil {
		return fmt.Errorf("insert price audit: %w", err)
	}
	return nil
}
