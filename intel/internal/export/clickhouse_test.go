package export_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/malbeclabs/netintel/intel/internal/export"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntel_Export_ConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := &export.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	assert.EqualError(t, cfg.Validate(), "addr is required")
	cfg.Addr = "localhost:9000"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "default", cfg.Database)
	assert.Equal(t, "default", cfg.Username)

	assert.EqualError(t, (&export.Config{Addr: "localhost:9000"}).Validate(), "logger is required")
}
