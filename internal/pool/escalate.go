package pool

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kelden/warden/internal/task"
	"github.com/kelden/warden/pkg/types"
)

// suggestionRule maps error-text keywords to a diagnosis category.
// Rules are checked in order; the first keyword hit wins.
type suggestionRule struct {
	category   types.SuggestionCategory
	keywords   []string
	suggestion string
}

var suggestionRules = []suggestionRule{
	{
		category:   types.CategoryPermission,
		keywords:   []string{"permission", "denied", "unauthorized", "forbidden", "eacces"},
		suggestion: "Check credentials and filesystem or API permissions for the worker process.",
	},
	{
		category:   types.CategoryExternal,
		keywords:   []string{"connection", "network", "dns", "unreachable", "refused", "503", "502", "rate limit", "api"},
		suggestion: "An external dependency looks unavailable. Verify connectivity and service health, then resubmit.",
	},
	{
		category:   types.CategoryTimeout,
		keywords:   []string{"timed out", "timeout", "deadline"},
		suggestion: "Attempts keep running out of time. Raise the task timeout or split the work into smaller steps.",
	},
	{
		category:   types.CategoryResource,
		keywords:   []string{"memory", "disk", "space", "too many open files", "oom", "resource"},
		suggestion: "The worker is hitting resource limits. Check memory, disk and file-handle headroom on the host.",
	},
}

// categorize scans a task's accumulated error text for known failure
// signatures and returns a best-effort diagnosis.
func categorize(t *types.Task) (types.SuggestionCategory, string) {
	var sb strings.Builder
	sb.WriteString(t.LastError)
	for _, rec := range t.Context.Errors {
		sb.WriteByte('\n')
		sb.WriteString(rec.Message)
	}
	text := strings.ToLower(sb.String())

	for _, rule := range suggestionRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.category, rule.suggestion
			}
		}
	}
	return types.CategoryUnknown, "No known failure signature matched. Inspect the task's error trail and the worker logs."
}

// escalateLocked retires a task that exhausted its attempts: a terminal
// escalation record is produced for human intervention and the task
// leaves the system. Nothing escalates on a first failure.
func (p *Pool) escalateLocked(t *types.Task) {
	task.TransitionTo(t, types.StateEscalated)
	t.CompletedAt = time.Now()
	p.escalatedTotal++

	category, suggestion := categorize(t)
	esc := &types.Escalation{
		ID:         uuid.NewString(),
		Task:       *t,
		Attempts:   t.Attempts,
		Errors:     append([]types.ErrorRecord(nil), t.Context.Errors...),
		LastError:  t.LastError,
		Category:   category,
		Suggestion: suggestion,
		Time:       t.CompletedAt,
	}

	p.emit(types.EventTaskEscalated, map[string]interface{}{
		"task_id":       t.ID,
		"escalation_id": esc.ID,
		"attempts":      t.Attempts,
		"category":      string(category),
		"last_error":    t.LastError,
	})
	p.log.Error("Task %s escalated after %d attempts (%s)", t.ID, t.Attempts, category)

	p.recordEscalation(esc)
	p.recordTask(t)
}
