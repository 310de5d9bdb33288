package app

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInTestModeFollowsEnvironment(t *testing.T) {
	t.Cleanup(RefreshTestMode)

	require.True(t, InTestMode(), "guard import should force test mode")

	for value, want := range map[string]bool{"": false, "0": false, "nope": false, "1": true, "true": true, " TRUE ": true} {
		t.Setenv(testModeEnv, value)
		RefreshTestMode()
		require.Equal(t, want, InTestMode(), "value %q", value)
	}
}
