//go:build unit

package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplace(t *testing.T) {
	t.Parallel()

	tokens := Tokens{}
	tokens.Set("name", "Ada")
	tokens.Set("company", "Initech")
	tokens.SetNull("phone")

	cases := []struct {
		in       string
		expected string
	}{
		{"Hi {{name}}", "Hi Ada"},
		{"Hi {{ name }}, welcome to {{company}}", "Hi Ada, welcome to Initech"},
		{"Call us at {{phone}}.", "Call us at ."},
		{"Dear {{unknown}},", "Dear {{unknown}},"},
		{"{{name}}{{name}}", "AdaAda"},
		{"no tokens here", "no tokens here"},
	}

	for _, c := range cases {
		assert.Equal(t, c.expected, Replace(c.in, tokens))
	}
}

func TestReplaceLayeredPasses(t *testing.T) {
	t.Parallel()

	first := Tokens{}
	first.Set("leadName", "Bob")

	second := Tokens{}
	second.Set("companyName", "Initech")

	out := Replace("{{leadName}} / {{companyName}}", first)
	assert.Equal(t, "Bob / {{companyName}}", out)

	out = Replace(out, second)
	assert.Equal(t, "Bob / Initech", out)
}

func TestReplaceDoesNotEscape(t *testing.T) {
	t.Parallel()

	tokens := Tokens{}
	tokens.Set("html", `<b>&"bold"</b>`)
	assert.Equal(t, `<b>&"bold"</b>`, Replace("{{html}}", tokens))
}

func TestMerge(t *testing.T) {
	t.Parallel()

	base := Tokens{}
	base.Set("a", "1")
	base.Set("b", "2")

	extra := Tokens{}
	extra.Set("b", "override")
	extra.SetNull("c")

	base.Merge(extra)
	assert.Equal(t, "1 override ", Replace("{{a}} {{b}} {{c}}", base))
}
