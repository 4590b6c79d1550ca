package relay

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONOutsideDev(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "prod", slog.LevelInfo, "1.2.3")
	logger.Debug("hidden")
	logger.Info("cycle done", "relayed", 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "cycle done", entry["msg"])
	assert.Equal(t, AppName, entry["app"])
	assert.Equal(t, "1.2.3", entry["version"])
	assert.Equal(t, "prod", entry["env"])
	assert.EqualValues(t, 2, entry["relayed"])
}

func TestNewLogger_TintInDev(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "dev", slog.LevelDebug, "dev")
	logger.Debug("state", "to", "fetching")

	out := buf.String()
	assert.Contains(t, out, "state")
	assert.Contains(t, out, "fetching")
	assert.False(t, strings.HasPrefix(out, "{"), "dev output is not JSON")
}
