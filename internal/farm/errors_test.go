package farm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err  error
		want OutcomeKind
	}{
		"nil":           {nil, OutcomeSuccess},
		"quota":         {fmt.Errorf("submit: %w", ErrQuotaExhausted), OutcomeQuota},
		"rejected":      {fmt.Errorf("await: %w", ErrPromptRejected), OutcomeRejected},
		"lost":          {ErrSessionLost, OutcomeSessionLost},
		"timeout":       {fmt.Errorf("await: %w", ErrGenerationTimeout), OutcomeTransient},
		"transient":     {ErrTransientTask, OutcomeTransient},
		"unknown error": {errors.New("boom"), OutcomeTransient},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestFatalConfigErrorUnwraps(t *testing.T) {
	t.Parallel()

	base := errors.New("no browser ids")
	err := fmt.Errorf("load: %w", &FatalConfigError{Field: "browser.ids", Err: base})

	var fatal *FatalConfigError
	require.ErrorAs(t, err, &fatal)
	require.ErrorIs(t, err, base)
	require.Equal(t, "fatal config browser.ids: no browser ids", fatal.Error())
}

func TestWorkSourceParseErrorUnwraps(t *testing.T) {
	t.Parallel()

	base := errors.New("bad zip")
	err := &WorkSourceParseError{Path: "Projects/a/book.xlsx", Err: base}
	require.ErrorIs(t, err, base)
	require.Contains(t, err.Error(), "Projects/a/book.xlsx")
}

func TestItemKeyString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a.xlsx#7", ItemKey{Source: "a.xlsx", Row: 7}.String())
	require.True(t, Outcome{Kind: OutcomeTransient}.CountsAgainstItem())
	require.False(t, Outcome{Kind: OutcomeQuota}.CountsAgainstItem())
}

func TestSessionStateLive(t *testing.T) {
	t.Parallel()

	require.True(t, SessionSuspended.Live())
	require.True(t, SessionError.Live())
	require.False(t, SessionTerminated.Live())
}
