// Package data implements the shared tabular data providers that feed VUs
// with rows in next, unique, and random modes.
package data

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Row is one record of a data file, keyed by source column name.
type Row map[string]string

// Options configure a provider on first registration. Later lookups of the
// same path reuse the existing provider and ignore differing options.
type Options struct {
	// Delimiter forces a field separator. Empty means auto-detect among
	// comma, semicolon, and tab.
	Delimiter string

	// Cycle controls wrap-around for the next and unique cursors. Nil
	// means true.
	Cycle *bool
}

// Provider hands out rows from one data file. All cursor methods are safe
// under parallel callers; exhaustion is a signaled condition (false second
// return), never an error.
type Provider struct {
	path   string
	fs     afero.Fs
	logger logrus.FieldLogger

	delimiter rune
	cycle     bool

	loadOnce sync.Once
	loadErr  error
	rows     []Row

	nextIndex   atomic.Int64
	uniqueIndex atomic.Int64

	slotMu  sync.Mutex
	vuSlots map[int]int
}

func newProvider(fs afero.Fs, path string, opts Options, logger logrus.FieldLogger) *Provider {
	p := &Provider{
		path:    path,
		fs:      fs,
		logger:  logger,
		cycle:   true,
		vuSlots: make(map[int]int),
	}
	if opts.Cycle != nil {
		p.cycle = *opts.Cycle
	}
	if opts.Delimiter != "" {
		p.delimiter = rune(opts.Delimiter[0])
		if opts.Delimiter == "\\t" {
			p.delimiter = '\t'
		}
	}
	return p
}

// Path returns the provider's canonical file path.
func (p *Provider) Path() string { return p.path }

// Load reads and parses the file. It is idempotent: concurrent and repeated
// calls parse at most once and share the outcome.
func (p *Provider) Load() error {
	p.loadOnce.Do(func() {
		p.loadErr = p.load()
	})
	return p.loadErr
}

func (p *Provider) load() error {
	raw, err := afero.ReadFile(p.fs, p.path)
	if err != nil {
		return fmt.Errorf("reading data file %s: %w", p.path, err)
	}

	delim := p.delimiter
	if delim == 0 {
		delim = detectDelimiter(raw)
	}

	reader := csv.NewReader(bytes.NewReader(raw))
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("parsing data file %s: %w", p.path, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("data file %s is empty", p.path)
	}

	header := records[0]
	rows := make([]Row, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[strings.TrimSpace(col)] = record[i]
			}
		}
		rows = append(rows, row)
	}
	p.rows = rows

	p.logger.WithFields(logrus.Fields{
		"file":    p.path,
		"rows":    len(rows),
		"columns": len(header),
	}).Debug("data file loaded")
	return nil
}

// Len returns the number of data rows (excluding the header).
func (p *Provider) Len() int { return len(p.rows) }

// NextRow returns the next row round-robin. The cursor is shared by every
// caller. With cycling disabled it signals exhaustion after the last row.
func (p *Provider) NextRow(vuID int) (Row, bool) {
	n := int64(len(p.rows))
	if n == 0 {
		return nil, false
	}

	slot := p.nextIndex.Add(1) - 1
	if slot >= n {
		if !p.cycle {
			return nil, false
		}
		slot %= n
	}
	return p.rows[slot], true
}

// UniqueRow assigns the next unclaimed row. Until the pool is exhausted no
// two VUs observe the same row; with cycling enabled the cursor then wraps,
// otherwise it signals exhaustion.
func (p *Provider) UniqueRow(vuID int) (Row, bool) {
	n := int64(len(p.rows))
	if n == 0 {
		return nil, false
	}

	slot := p.uniqueIndex.Add(1) - 1
	if slot >= n {
		if !p.cycle {
			return nil, false
		}
		slot %= n
	}

	p.slotMu.Lock()
	p.vuSlots[vuID] = int(slot)
	p.slotMu.Unlock()

	return p.rows[slot], true
}

// UniqueSlot reports the row index most recently assigned to a VU by
// UniqueRow.
func (p *Provider) UniqueSlot(vuID int) (int, bool) {
	p.slotMu.Lock()
	defer p.slotMu.Unlock()
	slot, ok := p.vuSlots[vuID]
	return slot, ok
}

// RandomRow picks a row uniformly at random. It never exhausts; false means
// the pool is empty.
func (p *Provider) RandomRow() (Row, bool) {
	n := len(p.rows)
	if n == 0 {
		return nil, false
	}
	return p.rows[rand.Intn(n)], true
}

// FetchRow dispatches on a binding mode: next, unique, or random.
func (p *Provider) FetchRow(mode string, vuID int) (Row, bool) {
	switch mode {
	case "unique":
		return p.UniqueRow(vuID)
	case "random":
		return p.RandomRow()
	default:
		return p.NextRow(vuID)
	}
}

// detectDelimiter inspects the first line and picks the candidate that
// splits it into the most fields: comma, semicolon, or tab. Comma wins ties.
func detectDelimiter(raw []byte) rune {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	if !scanner.Scan() {
		return ','
	}
	line := scanner.Text()

	best, bestCount := ',', strings.Count(line, ",")
	if c := strings.Count(line, ";"); c > bestCount {
		best, bestCount = ';', c
	}
	if c := strings.Count(line, "\t"); c > bestCount {
		best = '\t'
	}
	return best
}
