package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xiaot623/flowrun/internal/domain"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatText    = "text"
	FormatSummary = "summary"
)

func (e *Engine) runOutput(step domain.Step, sc StepContext, res *domain.StepResult) {
	format := step.ConfigString("format")
	if format == "" {
		format = FormatJSON
	}

	res.Status = domain.StepStatusSuccess
	switch format {
	case FormatJSON:
		res.Output = copyContext(sc.Context)
	case FormatText:
		res.Output = textOf(sc.Context)
	case FormatSummary:
		res.Output = summaryOf(sc.Context)
	default:
		res.Warnings = append(res.Warnings, fmt.Sprintf("unknown output format %q, falling back to json", format))
		res.Output = copyContext(sc.Context)
	}
}

func copyContext(ctx map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}

func stepKeys(ctx map[string]interface{}) []string {
	var keys []string
	for k := range ctx {
		if strings.HasPrefix(k, "step_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func textOf(ctx map[string]interface{}) string {
	var b strings.Builder
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, stringify(ctx[k]))
	}
	return b.String()
}

func summaryOf(ctx map[string]interface{}) map[string]interface{} {
	keys := stepKeys(ctx)
	steps := make([]string, 0, len(keys))
	outputs := make(map[string]string, len(keys))
	for _, k := range keys {
		id := strings.TrimPrefix(k, "step_")
		steps = append(steps, id)
		outputs[id] = truncate(stringify(ctx[k]), 200)
	}
	return map[string]interface{}{
		"stepCount": len(steps),
		"steps":     steps,
		"outputs":   outputs,
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
