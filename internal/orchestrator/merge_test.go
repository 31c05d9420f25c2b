package orchestrator

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/mentor/internal/provider"
	"github.com/kalambet/mentor/internal/resilience"
)

func okOutcome(d provider.Domain, content string, prereqs ...string) resilience.Outcome {
	return resilience.Outcome{
		Domain: d,
		Status: resilience.StatusOK,
		Result: provider.Result{Content: content, Prerequisites: prereqs},
	}
}

func TestMerge_SinglePassesThrough(t *testing.T) {
	content := "Recursion is a function calling itself.\n\nRecursion is a function calling itself."
	m := merge([]resilience.Outcome{okOutcome(provider.Concept, content)})

	assert.Equal(t, content, m.content, "single section must not be rewritten")
	assert.False(t, m.degraded)
	assert.Empty(t, m.notices)
	require.Len(t, m.sections, 1)
	assert.Equal(t, resilience.StatusOK, m.sections[0].Status)
}

func TestMerge_MultipleInRouterOrder(t *testing.T) {
	m := merge([]resilience.Outcome{
		okOutcome(provider.Debug, "The nil map is never initialized.\n\nA map must be made before use.", "maps", "Pointers"),
		okOutcome(provider.Code, "A map must be made before use.\n\nUse make(map[string]int).", "pointers", "slices"),
	})

	debugAt := strings.Index(m.content, "nil map")
	codeAt := strings.Index(m.content, "Turning to code:")
	require.GreaterOrEqual(t, debugAt, 0)
	require.Greater(t, codeAt, debugAt, "sections must follow router order")

	assert.Equal(t, 1, strings.Count(m.content, "A map must be made before use."), "repeated paragraph must be dropped")
	assert.Contains(t, m.content, "make(map[string]int)")
	assert.Equal(t, []string{"maps", "Pointers", "slices"}, m.prerequisites)
	assert.False(t, m.degraded)
}

func TestMerge_PartialDegradation(t *testing.T) {
	m := merge([]resilience.Outcome{
		okOutcome(provider.Code, "Here is the function."),
		{Domain: provider.Debug, Status: resilience.StatusDegraded, Reason: resilience.ReasonTimeout, Result: provider.Result{Content: "Debugging pointer."}},
	})

	assert.False(t, m.degraded, "one healthy section keeps the turn non-degraded")
	assert.Contains(t, m.content, "Here is the function.")
	assert.Contains(t, m.content, "Debugging pointer.")
	require.Len(t, m.notices, 1)
	assert.Equal(t, KindProviderTimeout, m.notices[0].Kind)
}

func TestMerge_AllFailedStatesLimitation(t *testing.T) {
	m := merge([]resilience.Outcome{
		{Domain: provider.Docs, Status: resilience.StatusDegraded, Reason: resilience.ReasonCircuitOpen, Result: provider.Result{Content: "Docs fallback."}},
		{Domain: provider.Deploy, Status: resilience.StatusFailed, Reason: resilience.ReasonPermanent, Err: errors.New("unsupported input")},
	})

	assert.True(t, m.degraded)
	assert.True(t, strings.HasPrefix(m.content, limitationNote))
	assert.Contains(t, m.content, "unsupported input")
	require.Len(t, m.notices, 2)
	assert.Equal(t, KindProviderUnavailable, m.notices[0].Kind)
	assert.Equal(t, KindProviderPermanent, m.notices[1].Kind)
}
