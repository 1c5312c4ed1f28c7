package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpecYAML(t *testing.T) {
	doc := []byte(`
type: build
priority: 2
max_attempts: 5
timeout_secs: 120
payload:
  target: all
  flags:
    - -race
steps:
  - fetch
  - compile
  - test
`)

	spec, err := ParseSpec(doc)
	require.NoError(t, err)
	assert.Equal(t, "build", spec.Type)
	assert.Equal(t, 2, spec.Priority)
	assert.Equal(t, 5, spec.MaxAttempts)
	assert.Equal(t, 120, spec.TimeoutSecs)
	assert.Equal(t, "all", spec.Payload["target"])
	assert.Equal(t, []string{"fetch", "compile", "test"}, spec.Steps)
}

func TestParseSpecJSON(t *testing.T) {
	doc := []byte(`{"type": "deploy", "payload": {"env": "prod"}}`)

	spec, err := ParseSpec(doc)
	require.NoError(t, err)
	assert.Equal(t, "deploy", spec.Type)
	assert.Equal(t, "prod", spec.Payload["env"])
}

func TestParseSpecRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"missing type", `priority: 1`},
		{"empty type", `type: ""`},
		{"unknown field", "type: build\nowner: me"},
		{"negative priority", "type: build\npriority: -1"},
		{"zero max attempts", "type: build\nmax_attempts: 0"},
		{"string priority", "type: build\npriority: high"},
		{"scalar payload", "type: build\npayload: 42"},
		{"empty document", ``},
		{"not yaml", `{{{`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSpec([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}
