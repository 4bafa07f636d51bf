package fingerprint_test

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/fingerprint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = bytes.Repeat([]byte("s"), 32)

func TestIntel_Fingerprint(t *testing.T) {
	t.Parallel()

	t.Run("rejects short secrets", func(t *testing.T) {
		t.Parallel()
		_, err := fingerprint.New([]byte("short"))
		require.Error(t, err)
	})

	t.Run("stable across calls and instances", func(t *testing.T) {
		t.Parallel()
		a, err := fingerprint.New(testSecret)
		require.NoError(t, err)
		defer a.Close()
		b, err := fingerprint.New(testSecret)
		require.NoError(t, err)
		defer b.Close()

		for i := 0; i < 50; i++ {
			id := domain.TenantID(fmt.Sprintf("tenant-%d", i))
			fa1, err := a.Fingerprint(id)
			require.NoError(t, err)
			fa2, err := a.Fingerprint(id)
			require.NoError(t, err)
			fb, err := b.Fingerprint(id)
			require.NoError(t, err)
			assert.Equal(t, fa1, fa2)
			assert.Equal(t, fa1, fb)
		}
	})

	t.Run("does not embed the tenant id and depends on the secret", func(t *testing.T) {
		t.Parallel()
		a, err := fingerprint.New(testSecret)
		require.NoError(t, err)
		defer a.Close()
		other, err := fingerprint.New(bytes.Repeat([]byte("o"), 32))
		require.NoError(t, err)
		defer other.Close()

		seen := map[domain.Fingerprint]bool{}
		for i := 0; i < 200; i++ {
			id := domain.TenantID(fmt.Sprintf("acme-%03d", i))
			fp, err := a.Fingerprint(id)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(string(fp), "fp_"))
			assert.NotContains(t, string(fp), string(id))
			assert.False(t, seen[fp], "collision for %s", id)
			seen[fp] = true

			ofp, err := other.Fingerprint(id)
			require.NoError(t, err)
			assert.NotEqual(t, fp, ofp)
		}
	})

	t.Run("empty tenant id", func(t *testing.T) {
		t.Parallel()
		a, err := fingerprint.New(testSecret)
		require.NoError(t, err)
		defer a.Close()
		_, err = a.Fingerprint("")
		require.Error(t, err)
	})
}
