package governance_test

import (
	"testing"

	"github.com/malbeclabs/netintel/intel/internal/governance"
	"github.com/stretchr/testify/assert"
)

func TestIntel_Governance_Sanitize(t *testing.T) {
	t.Parallel()

	in := map[string]any{
		"flag":          "telemetry_enabled",
		"value":         true,
		"api_key":       "sk-live-123",
		"Authorization": "Bearer x",
		"note":          "ping bob@example.org",
		"nested": map[string]any{
			"password": "hunter2",
			"ticket":   "OPS-12",
		},
		"list": []any{"fp_" + "0123456789abcdef0123456789abcdef0123456789abcdef", 3},
	}
	out := governance.Sanitize(in)

	assert.Equal(t, "telemetry_enabled", out["flag"])
	assert.Equal(t, true, out["value"])
	assert.NotContains(t, out, "api_key")
	assert.NotContains(t, out, "Authorization")
	assert.Equal(t, "ping [redacted]", out["note"])
	assert.Equal(t, map[string]any{"ticket": "OPS-12"}, out["nested"])
	assert.Equal(t, []any{"fp_[redacted]", 3}, out["list"])

	assert.Contains(t, in, "api_key", "input is not modified")
	assert.Nil(t, governance.Sanitize(nil))
}
