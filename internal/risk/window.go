package risk

import (
	"math"
	"sync"

	"github.com/montanaflynn/stats"
)

// ringWindow is a preallocated fixed-size return buffer; memory stays
// bounded under continuous operation.
type ringWindow struct {
	values    []float64
	next      int
	count     int
	lastPrice float64
	hasPrice  bool
}

func (w *ringWindow) push(v float64) {
	w.values[w.next] = v
	w.next = (w.next + 1) % len(w.values)
	if w.count < len(w.values) {
		w.count++
	}
}

// ordered returns the window contents oldest-first.
func (w *ringWindow) ordered() []float64 {
	out := make([]float64, 0, w.count)
	if w.count < len(w.values) {
		out = append(out, w.values[:w.count]...)
		return out
	}
	out = append(out, w.values[w.next:]...)
	out = append(out, w.values[:w.next]...)
	return out
}

// Windows keeps one rolling return window per instrument.
type Windows struct {
	size int

	mu           sync.Mutex
	byInstrument map[string]*ringWindow
}

// NewWindows constructs a window table of the given length.
func NewWindows(size int) *Windows {
	if size <= 0 {
		size = 100
	}
	return &Windows{size: size, byInstrument: make(map[string]*ringWindow)}
}

// ObservePrice derives a simple return from the previous observation and
// appends it to the instrument's window. The first observation only
// seeds the price.
func (ws *Windows) ObservePrice(instrument string, price float64) {
	if price <= 0 {
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	w, ok := ws.byInstrument[instrument]
	if !ok {
		w = &ringWindow{values: make([]float64, ws.size)}
		ws.byInstrument[instrument] = w
	}
	if w.hasPrice && w.lastPrice > 0 {
		w.push((price - w.lastPrice) / w.lastPrice)
	}
	w.lastPrice = price
	w.hasPrice = true
}

// Returns copies the instrument's return window, oldest-first.
func (ws *Windows) Returns(instrument string) []float64 {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w, ok := ws.byInstrument[instrument]
	if !ok {
		return nil
	}
	return w.ordered()
}

// Correlation computes the Pearson correlation between two instruments'
// return windows; zero when either window is too short to be meaningful.
func (ws *Windows) Correlation(a, b string) float64 {
	ra := ws.Returns(a)
	rb := ws.Returns(b)

	const minReturns = 10
	if len(ra) < minReturns || len(rb) < minReturns {
		return 0
	}
	if len(ra) > len(rb) {
		ra = ra[len(ra)-len(rb):]
	} else if len(rb) > len(ra) {
		rb = rb[len(rb)-len(ra):]
	}

	corr, err := stats.Correlation(ra, rb)
	if err != nil || math.IsNaN(corr) {
		return 0
	}
	return corr
}

// Volatility returns the annualized standard deviation of the
// instrument's returns; zero when the window is too short.
func (ws *Windows) Volatility(instrument string) float64 {
	returns := ws.Returns(instrument)

	const minReturns = 5
	if len(returns) < minReturns {
		return 0
	}
	stdev, err := stats.StandardDeviationSample(returns)
	if err != nil || math.IsNaN(stdev) {
		return 0
	}
	return stdev * math.Sqrt(252)
}
