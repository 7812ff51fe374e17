package step

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
)

// applyExtractions captures values from a response into the VU context.
// A miss stores the extraction's default when one is set; otherwise it logs
// a warning and stores nothing. Extractions never fail the step.
func (e *Executor) applyExtractions(extractions []plan.Extraction, resp *lib.HandlerResponse, vuCtx *lib.VUContext, log logrus.FieldLogger) {
	for i := range extractions {
		ex := &extractions[i]
		value, ok := extractValue(ex, resp)
		if ok {
			vuCtx.Extracted[ex.Name] = value
			continue
		}
		if ex.Default != nil {
			vuCtx.Extracted[ex.Name] = *ex.Default
			continue
		}
		log.WithFields(logrus.Fields{
			"extraction": ex.Name,
			"kind":       ex.Kind,
			"expression": ex.Expression,
		}).Warn("extraction matched nothing")
	}
}

func extractValue(ex *plan.Extraction, resp *lib.HandlerResponse) (interface{}, bool) {
	switch ex.Kind {
	case "json_path":
		result := gjson.GetBytes(resp.RawBody, toGjsonPath(ex.Expression))
		if !result.Exists() {
			return nil, false
		}
		return result.Value(), true

	case "regex":
		re, err := regexp.Compile(ex.Expression)
		if err != nil {
			return nil, false
		}
		m := re.FindStringSubmatch(string(resp.RawBody))
		if m == nil {
			return nil, false
		}
		// First capture group when the pattern has one, whole match
		// otherwise.
		if len(m) > 1 {
			return m[1], true
		}
		return m[0], true

	case "header":
		for k, v := range resp.RawHeaders {
			if strings.EqualFold(k, ex.Expression) {
				return v, true
			}
		}
		return nil, false

	case "selector":
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.RawBody))
		if err != nil {
			return nil, false
		}
		sel := doc.Find(ex.Expression)
		if sel.Length() == 0 {
			return nil, false
		}
		return strings.TrimSpace(sel.First().Text()), true

	default:
		return nil, false
	}
}

// toGjsonPath converts a JSONPath expression to gjson syntax:
// $.users[0].name becomes users.0.name, bracket notation is flattened, and
// the bare root $ maps to @this.
func toGjsonPath(path string) string {
	if path == "$" {
		return "@this"
	}

	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return "@this"
	}

	replacer := strings.NewReplacer(
		"['", ".", "']", "",
		`["`, ".", `"]`, "",
		"[", ".", "]", "",
	)
	path = replacer.Replace(path)
	return strings.TrimPrefix(path, ".")
}
