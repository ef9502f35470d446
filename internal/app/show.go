package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"funding-rate-arbiter/internal/storage"
)

// Show prints recent detections or positions.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Positions {
		return a.showPositions(ctx, store, opts.Limit)
	}
	return a.showOpportunities(ctx, store, opts.Limit)
}

func (a *App) showOpportunities(ctx context.Context, store storage.OpportunityStore, limit int) error {
	records, err := store.ListRecentOpportunities(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no opportunities found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Detected (UTC)\tKind\tInstrument\tDelta\tNet\tConfidence\tTier")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n",
			rec.DetectedAt.UTC().Format(time.RFC3339),
			rec.Kind,
			rec.Instrument,
			rec.RateDelta.StringFixed(6),
			rec.NetProfit.StringFixed(4),
			rec.Confidence,
			rec.RiskTier,
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showPositions(ctx context.Context, store storage.PositionStore, limit int) error {
	records, err := store.ListRecentPositions(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no positions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Opened (UTC)\tInstrument\tKind\tSize\tStatus\tReason\tRealized")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.OpenedAt.UTC().Format(time.RFC3339),
			rec.Instrument,
			rec.Kind,
			rec.SizeNotional.StringFixed(2),
			rec.Status,
			sanitizeInline(rec.CloseReason),
			rec.RealizedProfit.StringFixed(4),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
