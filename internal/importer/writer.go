package importer

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/opsledger/apps/api/internal/audit"
	"github.com/opsledger/apps/api/internal/store"
)

// PostCommitHook runs once per written order after all chunks are committed.
// A failing hook is logged and never undoes the write.
type PostCommitHook func(ctx context.Context, order OrderDraft) error

type PriceAuditor interface {
	LogPriceAudit(ctx context.Context, entry audit.PriceAudit) error
}

// PriceAuditHook records the sold price of the order's line item.
func PriceAuditHook(auditor PriceAuditor) PostCommitHook {
	return func(ctx context.Context, order OrderDraft) error {
		if len(order.Items) == 0 {
			return nil
		}
		item := order.Items[0]
		return auditor.LogPriceAudit(ctx, audit.PriceAudit{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Price:       item.Price,
			Source:      audit.SourceImport,
		})
	}
}

// write commits drafts in concurrent atomic chunks, then runs the hooks in order.
func (im *Importer) write(ctx context.Context, drafts []OrderDraft) error {
	docs := make([]store.Document, 0, len(drafts))
	for _, draft := range drafts {
		doc, err := store.ToDocument(draft)
		if err != nil {
			return fmt.Errorf("encode order %s: %w", draft.ID, err)
		}
		docs = append(docs, doc)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, chunk := range store.Chunk(docs, im.limits.WriteBatch) {
		chunk := chunk
		g.Go(func() error {
			if err := im.store.BatchWrite(gctx, store.CollectionOrders, chunk); err != nil {
				return fmt.Errorf("write orders: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	im.runHooks(ctx, drafts)
	return nil
}

func (im *Importer) runHooks(ctx context.Context, drafts []OrderDraft) {
	for _, draft := range drafts {
		for i, hook := range im.hooks {
			if err := hook(ctx, draft); err != nil {
				im.logger.Warn("post_commit_hook_failed",
					"hook", i,
					"order_id", draft.ID,
					"run_id", draft.ImportRunID,
					"error", err,
				)
			}
		}
	}
}

func totals(drafts []OrderDraft) (subtotal, grandTotal float64) {
	sub, grand := decimal.Zero, decimal.Zero
	for _, d := range drafts {
		sub = sub.Add(decimal.NewFromFloat(d.Subtotal))
		grand = grand.Add(decimal.NewFromFloat(d.GrandTotal))
	}
	return sub.InexactFloat64(), grand.InexactFloat64()
}
