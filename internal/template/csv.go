package template

import (
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/stampedehq/stampede/internal/data"
	"github.com/stampedehq/stampede/internal/lib"
)

// csvRef is one parsed {{csv:file|...}} token.
type csvRef struct {
	file      string
	mode      string
	column    string
	delimiter string
	filterCol string
	filterVal string
	hasFilter bool
}

func parseCSVRef(file, rawOpts string) csvRef {
	ref := csvRef{file: strings.TrimSpace(file), mode: "next"}
	opts := parseTokenOptions(rawOpts)

	if m, ok := opts["mode"]; ok && m != "" {
		ref.mode = m
	}
	if opts["randomize"] == "true" {
		ref.mode = "random"
	}
	ref.column = opts["column"]
	ref.delimiter = opts["delimiter"]

	if f, ok := opts["filter"]; ok && f != "" {
		sep := "=="
		if !strings.Contains(f, sep) {
			sep = "="
		}
		parts := strings.SplitN(f, sep, 2)
		if len(parts) == 2 {
			ref.filterCol = strings.TrimSpace(parts[0])
			ref.filterVal = strings.TrimSpace(parts[1])
			ref.hasFilter = true
		}
	}
	return ref
}

// cacheKey identifies the pinned row shared by every occurrence of the same
// source within one render. The column is deliberately absent: two columns
// of one file must come from one row.
func (r csvRef) cacheKey() string {
	return r.file + "|" + r.mode + "|" + r.filterCol + "=" + r.filterVal
}

func (r csvRef) matches(row data.Row) bool {
	if !r.hasFilter {
		return true
	}
	return row[r.filterCol] == r.filterVal
}

// renderCSV substitutes {{csv:...}} tokens with cells from the shared data
// registry. The next cursor advances per occurrence; unique and random rows
// are pinned for the rest of the render. Any miss keeps the token literal.
func (e *Engine) renderCSV(s string, vuCtx *lib.VUContext, st *renderState) string {
	return csvPattern.ReplaceAllStringFunc(s, func(token string) string {
		groups := csvPattern.FindStringSubmatch(token)
		ref := parseCSVRef(groups[1], groups[2])

		row, ok := e.fetchCSVRow(ref, vuCtx, st)
		if !ok {
			e.logger.WithField("file", ref.file).Warn("csv placeholder has no row")
			return token
		}

		if ref.column == "" {
			b, err := json.Marshal(row)
			if err != nil {
				return token
			}
			return string(b)
		}
		cell, ok := row[ref.column]
		if !ok {
			e.logger.WithFields(logrus.Fields{
				"file":   ref.file,
				"column": ref.column,
			}).Warn("csv placeholder column not found")
			return token
		}
		return cell
	})
}

func (e *Engine) fetchCSVRow(ref csvRef, vuCtx *lib.VUContext, st *renderState) (data.Row, bool) {
	if ref.mode != "next" {
		if row, ok := st.rows[ref.cacheKey()]; ok {
			return row, true
		}
	}

	provider := e.data.Get(ref.file, data.Options{Delimiter: ref.delimiter})
	if err := provider.Load(); err != nil {
		e.logger.WithError(err).WithField("file", ref.file).Warn("csv placeholder load failed")
		return nil, false
	}

	row, ok := e.fetchMatching(provider, ref, vuCtx.VUID)
	if !ok {
		return nil, false
	}

	if ref.mode != "next" {
		st.rows[ref.cacheKey()] = row
	}
	return row, true
}

// fetchMatching draws rows from the cursor until one passes the filter,
// giving up after one full pool's worth of draws.
func (e *Engine) fetchMatching(p *data.Provider, ref csvRef, vuID int) (data.Row, bool) {
	attempts := 1
	if ref.hasFilter {
		attempts = p.Len()
	}
	for i := 0; i < attempts; i++ {
		row, ok := p.FetchRow(ref.mode, vuID)
		if !ok {
			return nil, false
		}
		if ref.matches(row) {
			return row, true
		}
	}
	return nil, false
}
