package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type PhaseStats struct {
	Phase       string  `json:"phase"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type PhaseIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type PhaseLatencySnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Phases      []PhaseStats     `json:"phases"`
	Indicators  []PhaseIndicator `json:"indicators,omitempty"`
}

// phaseLatencyWindow keeps a fixed-size ring of latency samples per chat
// phase so the perf endpoint can report percentiles without Prometheus.
type phaseLatencyWindow struct {
	mu         sync.RWMutex
	maxSamples int
	phases     map[string]*phaseBuffer
	indicators map[string]int
}

type phaseBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newPhaseLatencyWindow(maxSamples int) *phaseLatencyWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &phaseLatencyWindow{
		maxSamples: maxSamples,
		phases:     make(map[string]*phaseBuffer),
		indicators: make(map[string]int),
	}
}

func (w *phaseLatencyWindow) Observe(phase string, ms float64) {
	if phase == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.phases[phase]
	if !ok {
		buf = &phaseBuffer{
			values: make([]float64, w.maxSamples),
		}
		w.phases[phase] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

func (w *phaseLatencyWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *phaseLatencyWindow) Snapshot() PhaseLatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	phases := make([]PhaseStats, 0, len(w.phases))
	keys := make([]string, 0, len(w.phases))
	for phase := range w.phases {
		keys = append(keys, phase)
	}
	sort.Strings(keys)

	for _, phase := range keys {
		buf := w.phases[phase]
		if buf == nil {
			continue
		}
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, buf.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}

		phases = append(phases, PhaseStats{
			Phase:       phase,
			Samples:     n,
			LastMS:      round2(buf.last),
			AvgMS:       round2(sum / float64(n)),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			P99MS:       round2(quantile(samples, 0.99)),
			TargetP95MS: phaseTargetP95MS(phase),
		})
	}

	indicators := make([]PhaseIndicator, 0, len(w.indicators))
	indicatorKeys := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		indicatorKeys = append(indicatorKeys, name)
	}
	sort.Strings(indicatorKeys)
	for _, name := range indicatorKeys {
		count := w.indicators[name]
		if count <= 0 {
			continue
		}
		indicators = append(indicators, PhaseIndicator{
			Name:  name,
			Count: count,
		})
	}

	return PhaseLatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Phases:      phases,
		Indicators:  indicators,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func phaseTargetP95MS(phase string) float64 {
	switch phase {
	case "context_build":
		return 50
	case "summarize":
		return 4000
	case "generate":
		return 6000
	case "reflect":
		return 6000
	case "revise":
		return 6000
	case "turn_total":
		return 15000
	default:
		return 0
	}
}
