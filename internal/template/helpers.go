package template

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stampedehq/stampede/internal/lib"
)

// renderHelpers substitutes {{helper(args)}} tokens. A known helper with bad
// arguments yields a TemplateError and its token stays literal; the rest of
// the string still renders. Unknown helper names keep the token literal with
// only a warning.
func (e *Engine) renderHelpers(s string) (string, error) {
	var firstErr error

	out := helperPattern.ReplaceAllStringFunc(s, func(token string) string {
		groups := helperPattern.FindStringSubmatch(token)
		name, args := groups[1], splitArgs(groups[2])

		v, known, err := evalHelper(name, args)
		if err != nil {
			if firstErr == nil {
				firstErr = &lib.TemplateError{Token: token, Message: err.Error()}
			}
			return token
		}
		if !known {
			e.logger.WithField("helper", name).Warn("unknown template helper")
			return token
		}
		return v
	})

	return out, firstErr
}

func evalHelper(name string, args []string) (value string, known bool, err error) {
	switch name {
	case "randomInt":
		v, err := helperRandomInt(args)
		return v, true, err
	case "randomFloat":
		v, err := helperRandomFloat(args)
		return v, true, err
	case "randomChoice":
		if len(args) == 0 {
			return "", true, fmt.Errorf("randomChoice needs at least one choice")
		}
		return args[rand.Intn(len(args))], true, nil
	case "uuid":
		if len(args) != 0 {
			return "", true, fmt.Errorf("uuid takes no arguments")
		}
		return uuid.NewString(), true, nil
	case "isoDate":
		v, err := helperISODate(args)
		return v, true, err
	case "timestamp":
		v, err := helperTimestamp(args)
		return v, true, err
	}
	return "", false, nil
}

func helperRandomInt(args []string) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("randomInt takes (min, max)")
	}
	min, err := strconv.Atoi(args[0])
	if err != nil {
		return "", fmt.Errorf("randomInt min %q is not an integer", args[0])
	}
	max, err := strconv.Atoi(args[1])
	if err != nil {
		return "", fmt.Errorf("randomInt max %q is not an integer", args[1])
	}
	if min > max {
		return "", fmt.Errorf("randomInt min %d exceeds max %d", min, max)
	}
	return strconv.Itoa(min + rand.Intn(max-min+1)), nil
}

func helperRandomFloat(args []string) (string, error) {
	if len(args) < 2 || len(args) > 3 {
		return "", fmt.Errorf("randomFloat takes (min, max, decimals?)")
	}
	min, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return "", fmt.Errorf("randomFloat min %q is not a number", args[0])
	}
	max, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return "", fmt.Errorf("randomFloat max %q is not a number", args[1])
	}
	if min > max {
		return "", fmt.Errorf("randomFloat min %v exceeds max %v", min, max)
	}
	decimals := 2
	if len(args) == 3 {
		decimals, err = strconv.Atoi(args[2])
		if err != nil || decimals < 0 || decimals > 12 {
			return "", fmt.Errorf("randomFloat decimals %q must be 0-12", args[2])
		}
	}
	return strconv.FormatFloat(min+rand.Float64()*(max-min), 'f', decimals, 64), nil
}

func helperISODate(args []string) (string, error) {
	if len(args) > 1 {
		return "", fmt.Errorf("isoDate takes (daysOffset?)")
	}
	offset := 0
	if len(args) == 1 {
		var err error
		offset, err = strconv.Atoi(args[0])
		if err != nil {
			return "", fmt.Errorf("isoDate offset %q is not an integer", args[0])
		}
	}
	return time.Now().AddDate(0, 0, offset).Format("2006-01-02"), nil
}

func helperTimestamp(args []string) (string, error) {
	if len(args) > 1 {
		return "", fmt.Errorf("timestamp takes (format?)")
	}
	format := "unix"
	if len(args) == 1 {
		format = args[0]
	}
	now := time.Now()
	switch format {
	case "unix":
		return strconv.FormatInt(now.Unix(), 10), nil
	case "iso":
		return now.Format(time.RFC3339), nil
	case "readable":
		return now.Format("2006-01-02 15:04:05"), nil
	case "file":
		return now.Format("20060102_150405"), nil
	default:
		return "", fmt.Errorf("timestamp format %q is not unix, iso, readable, or file", format)
	}
}

// splitArgs separates a helper argument list, trimming whitespace and one
// layer of quotes per argument.
func splitArgs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	args := make([]string, 0, len(parts))
	for _, part := range parts {
		arg := strings.TrimSpace(part)
		if len(arg) >= 2 {
			if (arg[0] == '"' && arg[len(arg)-1] == '"') || (arg[0] == '\'' && arg[len(arg)-1] == '\'') {
				arg = arg[1 : len(arg)-1]
			}
		}
		args = append(args, arg)
	}
	return args
}
