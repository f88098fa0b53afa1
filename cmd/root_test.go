// -- cmd/root_test.go --
package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandWiring(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"], "serve command registered")
	assert.True(t, names["audit"], "audit command registered")
}

func TestAuditCommandRequiresExactlyOneTarget(t *testing.T) {
	audit := newAuditCmd()
	require.Error(t, audit.Args(audit, nil))
	require.Error(t, audit.Args(audit, []string{"a", "b"}))
	assert.NoError(t, audit.Args(audit, []string{"https://example.com"}))
}

func TestConfigFlagRegistered(t *testing.T) {
	f := rootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, f)
	assert.Equal(t, "c", f.Shorthand)
}
