// internal/action/reflection_test.go
package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/repoagent/internal/ledger"
)

func TestParseReflection(t *testing.T) {
	r, err := ParseReflection(`{"notes":["  the test expects a+b "],"next_focus":"edit calc.py","risks":["do not edit tests"]}`)
	require.NoError(t, err)
	assert.Equal(t, ledger.Reflection{
		Notes:     []string{"the test expects a+b"},
		NextFocus: "edit calc.py",
		Risks:     []string{"do not edit tests"},
	}, r)

	r, err = ParseReflection(`{"notes":["only notes"],"next_focus":null}`)
	require.NoError(t, err)
	assert.Empty(t, r.NextFocus)
	assert.Empty(t, r.Risks)
}

func TestParseReflection_Rejections(t *testing.T) {
	cases := map[string]string{
		"no object":        "reflect harder",
		"missing notes":    `{"next_focus":"x"}`,
		"empty notes":      `{"notes":[]}`,
		"too many notes":   `{"notes":["1","2","3","4","5","6"]}`,
		"blank note":       `{"notes":["  "]}`,
		"non-string note":  `{"notes":[1]}`,
		"blank next_focus": `{"notes":["a"],"next_focus":" "}`,
		"risks not list":   `{"notes":["a"],"risks":"x"}`,
		"blank risk":       `{"notes":["a"],"risks":[""]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseReflection(raw)
			require.Error(t, err)
			assert.True(t, IsReflectionParseError(err))
		})
	}
}
