package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"funding-rate-arbiter/internal/storage"
)

// Export renders historical detections as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-7 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListRecentOpportunities(ctx, opts.MaxPoints)
	if err != nil {
		return err
	}
	records = filterWindow(records, from, to)
	if len(records) == 0 {
		a.Logger.Info().Msg("no opportunities found for export window")
		return nil
	}

	// ListRecent returns newest first; exports read oldest first.
	reverseRecords(records)

	downsampled := downsampleOpportunities(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting opportunities")

	if opts.CSVPath != "" {
		if err := writeOpportunitiesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeOpportunitiesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func filterWindow(records []storage.OpportunityRecord, from, to time.Time) []storage.OpportunityRecord {
	result := records[:0]
	for _, rec := range records {
		if rec.DetectedAt.Before(from) || !rec.DetectedAt.Before(to) {
			continue
		}
		result = append(result, rec)
	}
	return result
}

func reverseRecords(records []storage.OpportunityRecord) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}

func downsampleOpportunities(records []storage.OpportunityRecord, max int) []storage.OpportunityRecord {
	if max <= 0 || len(records) <= max {
		return records
	}

	result := make([]storage.OpportunityRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeOpportunitiesCSV(path string, records []storage.OpportunityRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"detected_at", "kind", "instrument", "long_source", "short_source", "rate_delta", "gross_profit", "fee_cost", "net_profit", "confidence", "risk_tier"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		record := []string{
			rec.DetectedAt.Format(time.RFC3339),
			rec.Kind,
			rec.Instrument,
			rec.LongSource,
			rec.ShortSource,
			rec.RateDelta.String(),
			rec.GrossProfit.String(),
			rec.FeeCost.String(),
			rec.NetProfit.String(),
			formatFloat(rec.Confidence),
			rec.RiskTier,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeOpportunitiesPNG(path string, records []storage.OpportunityRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	gross := make([]float64, len(records))
	net := make([]float64, len(records))
	confidence := make([]float64, len(records))

	for i, rec := range records {
		x[i] = rec.DetectedAt
		gross[i] = rec.GrossProfit.InexactFloat64()
		net[i] = rec.NetProfit.InexactFloat64()
		confidence[i] = rec.Confidence
	}

	profitFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Profit (quote)",
			ValueFormatter: profitFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Confidence",
			ValueFormatter: profitFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Gross",
				XValues: x,
				YValues: gross,
			},
			chart.TimeSeries{
				Name:    "Net",
				XValues: x,
				YValues: net,
			},
			chart.TimeSeries{
				Name:    "Confidence",
				XValues: x,
				YValues: confidence,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatFloat(v float64) string {
	return chart.FloatValueFormatterWithFormat(v, "%.4f")
}
