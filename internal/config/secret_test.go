package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSecret_Printing(t *testing.T) {
	s := Secret("postgres://ledger:pw@db/ledger")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, `"[REDACTED]"`, fmt.Sprintf("%#v", s))
	assert.Equal(t, "postgres://ledger:pw@db/ledger", s.Reveal())
	assert.True(t, s.IsSet())

	empty := Secret("")
	assert.Equal(t, "", empty.String())
	assert.Equal(t, `""`, fmt.Sprintf("%#v", empty))
	assert.False(t, empty.IsSet())
}

func TestSecret_Marshaling(t *testing.T) {
	holder := struct {
		Token Secret `json:"token" yaml:"token"`
		Unset Secret `json:"unset" yaml:"unset"`
	}{Token: "bot-token"}

	j, err := json.Marshal(holder)
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"[REDACTED]","unset":""}`, string(j))

	y, err := yaml.Marshal(holder)
	require.NoError(t, err)
	assert.Contains(t, string(y), "token: '[REDACTED]'")
	assert.NotContains(t, string(y), "bot-token")
}

func TestSecret_UnmarshalKeepsValue(t *testing.T) {
	var holder struct {
		Token Secret `yaml:"token"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("token: abc\n"), &holder))
	assert.Equal(t, "abc", holder.Token.Reveal())
}
