package symbols

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"funding-rate-arbiter/internal/exchange"
)

// Availability describes which sources can trade an instrument.
type Availability struct {
	Instrument        string   `json:"instrument"`
	SupportingSources []string `json:"supporting_sources"`
	MissingSources    []string `json:"missing_sources,omitempty"`
	Ratio             float64  `json:"ratio"`
}

// Options tune symbol discovery.
type Options struct {
	CacheTTL       time.Duration
	PreferredBases []string
	QuoteSuffix    string
}

// Manager discovers the jointly tradable instrument set across all
// configured sources and caches the result.
type Manager struct {
	sources []exchange.Capability
	opts    Options
	logger  zerolog.Logger

	mu       sync.Mutex
	cache    map[string]Availability
	cachedAt time.Time
}

// NewManager constructs a symbol manager over the given sources.
func NewManager(sources []exchange.Capability, opts Options, logger zerolog.Logger) *Manager {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.QuoteSuffix == "" {
		opts.QuoteSuffix = "USDT"
	}
	return &Manager{
		sources: sources,
		opts:    opts,
		logger:  logger.With().Str("component", "symbols").Logger(),
	}
}

// Discover returns instruments supported by at least minSources sources,
// sorted by descending support count, ties broken lexicographically.
// An empty result with minSources > 1 triggers exactly one degraded
// retry at minSources = 1.
func (m *Manager) Discover(ctx context.Context, minSources int) ([]string, error) {
	if minSources < 1 {
		minSources = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cacheValid() {
		if err := m.refreshLocked(ctx); err != nil {
			return nil, err
		}
	}

	qualified := m.filterLocked(minSources)
	if len(qualified) == 0 && minSources > 1 {
		m.logger.Warn().
			Int("min_sources", minSources).
			Msg("no instrument meets coverage requirement; degrading to a single source")
		qualified = m.filterLocked(1)
	}
	return qualified, nil
}

// Recommend returns up to maxCount instruments from Discover, with the
// configured preferred base assets placed first.
func (m *Manager) Recommend(ctx context.Context, maxCount, minSources int) ([]string, error) {
	qualified, err := m.Discover(ctx, minSources)
	if err != nil {
		return nil, err
	}
	if maxCount <= 0 || len(qualified) == 0 {
		return nil, nil
	}

	inSet := make(map[string]bool, len(qualified))
	for _, instrument := range qualified {
		inSet[instrument] = true
	}

	recommended := make([]string, 0, maxCount)
	picked := make(map[string]bool, maxCount)

	for _, base := range m.opts.PreferredBases {
		instrument := base + m.opts.QuoteSuffix
		if inSet[instrument] && !picked[instrument] {
			recommended = append(recommended, instrument)
			picked[instrument] = true
			if len(recommended) >= maxCount {
				return recommended, nil
			}
		}
	}

	for _, instrument := range qualified {
		if !picked[instrument] {
			recommended = append(recommended, instrument)
			picked[instrument] = true
			if len(recommended) >= maxCount {
				break
			}
		}
	}
	return recommended, nil
}

// Availabilities returns a copy of the current availability table.
func (m *Manager) Availabilities() map[string]Availability {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Availability, len(m.cache))
	for instrument, avail := range m.cache {
		out[instrument] = avail
	}
	return out
}

// Invalidate drops the cache so the next Discover refreshes.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cachedAt = time.Time{}
}

func (m *Manager) cacheValid() bool {
	return m.cache != nil && time.Since(m.cachedAt) < m.opts.CacheTTL
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	type result struct {
		source  string
		symbols []string
	}

	results := make(chan result, len(m.sources))
	var wg sync.WaitGroup
	for _, source := range m.sources {
		wg.Add(1)
		go func(source exchange.Capability) {
			defer wg.Done()
			symbols, err := source.ListSymbols(ctx)
			if err != nil {
				// One source failing yields an empty set for it,
				// never an error for the whole discovery.
				m.logger.Error().Err(err).Str("source", source.Name()).Msg("listing symbols failed")
				symbols = nil
			} else {
				m.logger.Info().Str("source", source.Name()).Int("count", len(symbols)).Msg("symbols listed")
			}
			results <- result{source: source.Name(), symbols: symbols}
		}(source)
	}
	wg.Wait()
	close(results)

	perSource := make(map[string]map[string]bool, len(m.sources))
	union := make(map[string]bool)
	for res := range results {
		set := make(map[string]bool, len(res.symbols))
		for _, symbol := range res.symbols {
			set[symbol] = true
			union[symbol] = true
		}
		perSource[res.source] = set
	}

	total := len(perSource)
	cache := make(map[string]Availability, len(union))
	for instrument := range union {
		avail := Availability{Instrument: instrument}
		for source, set := range perSource {
			if set[instrument] {
				avail.SupportingSources = append(avail.SupportingSources, source)
			} else {
				avail.MissingSources = append(avail.MissingSources, source)
			}
		}
		sort.Strings(avail.SupportingSources)
		sort.Strings(avail.MissingSources)
		if total > 0 {
			avail.Ratio = float64(len(avail.SupportingSources)) / float64(total)
		}
		cache[instrument] = avail
	}

	m.cache = cache
	m.cachedAt = time.Now()
	return ctx.Err()
}

func (m *Manager) filterLocked(minSources int) []string {
	qualified := make([]string, 0, len(m.cache))
	for instrument, avail := range m.cache {
		if len(avail.SupportingSources) >= minSources {
			qualified = append(qualified, instrument)
		}
	}
	sort.Slice(qualified, func(i, j int) bool {
		si := len(m.cache[qualified[i]].SupportingSources)
		sj := len(m.cache[qualified[j]].SupportingSources)
		if si != sj {
			return si > sj
		}
		return qualified[i] < qualified[j]
	})
	return qualified
}
