package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan(t *testing.T) {
	out := `I read the code. Plan below.

## Epic: Auth
Some prose the parser must skip.
- [ ] login form
- [x] session store
* password reset

### Epic 2: Billing
- invoice model

## Notes
- this bullet belongs to no epic heading`

	epics, err := parsePlan(out)
	require.NoError(t, err)
	require.Len(t, epics, 2)

	assert.Equal(t, "Auth", epics[0].Title)
	assert.Equal(t, []string{"login form", "session store", "password reset"}, epics[0].Tasks)

	assert.Equal(t, "Billing", epics[1].Title, "numbered epic headings parse too")
	assert.Equal(t, []string{"invoice model"}, epics[1].Tasks)
}

func TestParsePlanRejectsEmptyOutput(t *testing.T) {
	for name, out := range map[string]string{
		"prose only":     "I looked around and found a Go service.",
		"epic w/o tasks": "## Epic: Auth\nnothing concrete yet",
		"empty":          "",
	} {
		_, err := parsePlan(out)
		assert.ErrorIs(t, err, errNoPlan, name)
	}
}

func TestScanTaskCompletions(t *testing.T) {
	text := "Tests are green.\n" +
		"TASK COMPLETE: login form\n" +
		"  TASK COMPLETE: session store  \n" +
		"TASK COMPLETE:\n" +
		"Not a marker: TASK COMPLETE: buried mid-line"

	got := scanTaskCompletions(text)
	assert.Equal(t, []string{"login form", "session store"}, got)
}
