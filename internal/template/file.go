package template

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/mailgun/raymond/v2"
	"github.com/spf13/afero"

	"github.com/stampedehq/stampede/internal/lib"
)

// renderFiles substitutes {{template:file|k=v,...}} tokens by rendering the
// named file as a Handlebars template over the merged context. Output that
// parses as JSON is compacted to one line so it can embed in request bodies.
// Load or render failures keep the token literal.
func (e *Engine) renderFiles(s string, vuCtx *lib.VUContext) string {
	return filePattern.ReplaceAllStringFunc(s, func(token string) string {
		groups := filePattern.FindStringSubmatch(token)
		file := strings.TrimSpace(groups[1])

		raw, err := afero.ReadFile(e.fs, file)
		if err != nil {
			e.logger.WithError(err).WithField("file", file).Warn("template file not readable")
			return token
		}

		ctx := vuCtx.Snapshot()
		for k, v := range parseTokenOptions(groups[2]) {
			ctx[k] = v
		}
		ctx["timestamp"] = time.Now().Unix()

		out, err := raymond.Render(string(raw), ctx)
		if err != nil {
			e.logger.WithError(err).WithField("file", file).Warn("template file render failed")
			return token
		}
		return compactJSON(out)
	})
}

// compactJSON collapses a JSON document to a single line; anything that is
// not syntactically JSON passes through unchanged.
func compactJSON(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(trimmed)); err != nil {
		return s
	}
	return buf.String()
}
