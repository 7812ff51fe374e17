package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/stampedehq/stampede/internal/lib"
)

// histogram bounds in microseconds: 1µs to 10 minutes at 3 significant
// figures, matching what live percentile display needs.
const (
	histMinMicros = 1
	histMaxMicros = 600_000_000
	histSigFigs   = 3
)

// consoleScheme groups the colors of the console sink.
type consoleScheme struct {
	header    *color.Color
	good      *color.Color
	warn      *color.Color
	bad       *color.Color
	number    *color.Color
	dim       *color.Color
	highlight *color.Color
}

func newConsoleScheme(noColor bool) *consoleScheme {
	s := &consoleScheme{
		header:    color.New(color.FgCyan, color.Bold),
		good:      color.New(color.FgGreen),
		warn:      color.New(color.FgYellow),
		bad:       color.New(color.FgRed),
		number:    color.New(color.FgCyan),
		dim:       color.New(color.Faint),
		highlight: color.New(color.FgMagenta, color.Bold),
	}
	if noColor {
		for _, c := range []*color.Color{s.header, s.good, s.warn, s.bad, s.number, s.dim, s.highlight} {
			c.DisableColor()
		}
	}
	return s
}

// ConsoleConfig controls the console sink.
type ConsoleConfig struct {
	// Writer defaults to os.Stdout.
	Writer io.Writer

	// Interval between live progress updates. Default 1s.
	Interval time.Duration

	// NoColor disables ANSI colors even on a TTY.
	NoColor bool

	// Quiet suppresses the live progress line; the summary still prints.
	Quiet bool

	Logger logrus.FieldLogger
}

// Console renders live progress while the test runs and a human-readable
// summary at the end. Latency percentiles for the live line come from an
// HDR histogram fed by WriteResult.
type Console struct {
	w        io.Writer
	log      logrus.FieldLogger
	interval time.Duration
	quiet    bool
	isTTY    bool
	scheme   *consoleScheme

	mu          sync.Mutex
	hist        *hdrhistogram.Histogram
	total       int64
	errors      int64
	lastTotal   int64
	started     time.Time
	vuSource    func() int
	lineOpen    bool
	loopStarted bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

var _ lib.Sink = (*Console)(nil)

// NewConsole creates the console sink.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	tty := false
	if f, ok := cfg.Writer.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	return &Console{
		w:        cfg.Writer,
		log:      cfg.Logger,
		interval: cfg.Interval,
		quiet:    cfg.Quiet,
		isTTY:    tty,
		scheme:   newConsoleScheme(cfg.NoColor || !tty),
		hist:     hdrhistogram.New(histMinMicros, histMaxMicros, histSigFigs),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetVUSource attaches the live VU counter used by the progress line.
func (c *Console) SetVUSource(fn func() int) {
	c.mu.Lock()
	c.vuSource = fn
	c.mu.Unlock()
}

// Name implements lib.Sink.
func (c *Console) Name() string { return "console" }

// Initialize implements lib.Sink and starts the progress loop.
func (c *Console) Initialize() error {
	c.mu.Lock()
	c.started = time.Now()
	start := !c.quiet && !c.loopStarted
	if start {
		c.loopStarted = true
	}
	c.mu.Unlock()

	if start {
		go c.loop()
	}
	return nil
}

// WriteResult implements lib.Sink.
func (c *Console) WriteResult(r *lib.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	if !r.Success {
		c.errors++
	}
	micros := int64(r.DurationMS * 1000)
	if micros < histMinMicros {
		micros = histMinMicros
	}
	if micros > histMaxMicros {
		micros = histMaxMicros
	}
	return c.hist.RecordValue(micros)
}

// WriteSummary implements lib.Sink: it stops the live line and prints the
// end-of-test report.
func (c *Console) WriteSummary(s *lib.Summary) error {
	c.stopLoop()
	c.printSummary(s)
	return nil
}

// Finalize implements lib.Sink.
func (c *Console) Finalize() error {
	c.stopLoop()
	return nil
}

func (c *Console) stopLoop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	c.mu.Lock()
	wait := c.loopStarted
	c.mu.Unlock()
	if wait {
		<-c.doneCh
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lineOpen {
		fmt.Fprintln(c.w)
		c.lineOpen = false
	}
}

func (c *Console) loop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.printProgress()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Console) printProgress() {
	c.mu.Lock()

	elapsed := time.Since(c.started).Round(time.Second)
	rps := float64(c.total-c.lastTotal) / c.interval.Seconds()
	c.lastTotal = c.total

	errRate := 0.0
	if c.total > 0 {
		errRate = 100 * float64(c.errors) / float64(c.total)
	}
	p95 := time.Duration(c.hist.ValueAtQuantile(95)) * time.Microsecond

	vus := 0
	if c.vuSource != nil {
		vus = c.vuSource()
	}

	errColor := c.scheme.good
	if errRate > 1 {
		errColor = c.scheme.warn
	}
	if errRate > 5 {
		errColor = c.scheme.bad
	}

	line := fmt.Sprintf("[%s] VUs %s | reqs %s (%s/s) | errors %s | p95 %s",
		elapsed,
		c.scheme.number.Sprintf("%d", vus),
		c.scheme.number.Sprintf("%d", c.total),
		c.scheme.good.Sprintf("%.1f", rps),
		errColor.Sprintf("%d (%.1f%%)", c.errors, errRate),
		c.scheme.number.Sprint(formatMillis(float64(p95.Microseconds())/1000)),
	)

	if c.isTTY {
		fmt.Fprintf(c.w, "\r\033[K%s", line)
		c.lineOpen = true
	} else {
		fmt.Fprintln(c.w, line)
	}
	c.mu.Unlock()
}

func (c *Console) printSummary(s *lib.Summary) {
	sc := c.scheme
	rule := strings.Repeat("─", 56)

	fmt.Fprintln(c.w)
	fmt.Fprintln(c.w, sc.header.Sprint(rule))
	fmt.Fprintln(c.w, sc.header.Sprintf("%s - completed", s.TestName))
	fmt.Fprintln(c.w, sc.header.Sprint(rule))

	rateColor := sc.good
	if s.SuccessRate < 99 {
		rateColor = sc.warn
	}
	if s.SuccessRate < 95 {
		rateColor = sc.bad
	}

	fmt.Fprintf(c.w, "Duration:      %s\n", sc.number.Sprintf("%.1fs", s.ElapsedSeconds))
	fmt.Fprintf(c.w, "Requests:      %s (%s failed)\n",
		sc.number.Sprintf("%d", s.TotalRequests),
		sc.number.Sprintf("%d", s.FailedRequests))
	fmt.Fprintf(c.w, "Success rate:  %s\n", rateColor.Sprintf("%.2f%%", s.SuccessRate))
	fmt.Fprintf(c.w, "Throughput:    %s req/s", sc.number.Sprintf("%.1f", s.RPS))
	if s.BytesPerSecond > 0 {
		fmt.Fprintf(c.w, "  (%s/s)", formatBytes(s.BytesPerSecond))
	}
	fmt.Fprintln(c.w)

	fmt.Fprintln(c.w)
	fmt.Fprintln(c.w, sc.highlight.Sprint("Latency (ms):"))
	fmt.Fprintf(c.w, "  avg %s  min %s  max %s\n",
		formatMillis(s.AvgMS), formatMillis(s.MinMS), formatMillis(s.MaxMS))
	for _, p := range []string{"p50", "p90", "p95", "p99", "p99.9", "p99.99"} {
		if v, ok := s.Percentiles[p]; ok {
			fmt.Fprintf(c.w, "  %-7s %s\n", p, formatMillis(v))
		}
	}

	if len(s.StatusDistribution) > 0 {
		fmt.Fprintln(c.w)
		fmt.Fprintln(c.w, sc.highlight.Sprint("Status codes:"))
		codes := make([]int, 0, len(s.StatusDistribution))
		for code := range s.StatusDistribution {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			cc := sc.good
			if code >= 400 || code == 0 {
				cc = sc.bad
			}
			fmt.Fprintf(c.w, "  %s: %d\n", cc.Sprintf("%d", code), s.StatusDistribution[code])
		}
	}

	if len(s.ErrorDetails) > 0 {
		fmt.Fprintln(c.w)
		fmt.Fprintln(c.w, sc.highlight.Sprint("Errors:"))
		shown := s.ErrorDetails
		if len(shown) > 10 {
			shown = shown[:10]
		}
		for _, e := range shown {
			fmt.Fprintf(c.w, "  %s %s/%s: %s (%d)\n",
				sc.bad.Sprint("✗"), e.Scenario, e.StepName, e.Message, e.Count)
		}
	}

	if len(s.StepStats) > 0 {
		fmt.Fprintln(c.w)
		fmt.Fprintln(c.w, sc.highlight.Sprint("Steps:"))
		keys := make([]string, 0, len(s.StepStats))
		for k := range s.StepStats {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			st := s.StepStats[k]
			fmt.Fprintf(c.w, "  %-36s %6d reqs  avg %8s  p95 %8s\n",
				k, st.Count, formatMillis(st.AvgMS), formatMillis(st.P95MS))
		}
	}

	if len(s.Thresholds) > 0 {
		fmt.Fprintln(c.w)
		fmt.Fprintln(c.w, sc.highlight.Sprint("Thresholds:"))
		for _, t := range s.Thresholds {
			icon := sc.good.Sprint("✓")
			if !t.Passed {
				icon = sc.bad.Sprint("✗")
			}
			fmt.Fprintf(c.w, "  %s %s (actual %.2f)\n", icon, t.Expression, t.Actual)
		}
	}

	fmt.Fprintln(c.w)
}

// formatMillis renders a millisecond value compactly: sub-second values as
// ms, larger ones as seconds.
func formatMillis(ms float64) string {
	switch {
	case ms <= 0:
		return "0ms"
	case ms < 1:
		return fmt.Sprintf("%.2fms", ms)
	case ms < 1000:
		return fmt.Sprintf("%.0fms", ms)
	default:
		return fmt.Sprintf("%.2fs", ms/1000)
	}
}

// formatBytes renders a byte rate with a binary unit.
func formatBytes(n float64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", n/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", n/(1<<10))
	default:
		return fmt.Sprintf("%.0fB", n)
	}
}
