package debug

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnableAppendsJSONLines(t *testing.T) {
	t.Cleanup(func() { Log = zerolog.Nop() })
	path := filepath.Join(t.TempDir(), "debug.log")

	closeLog, err := Enable(path)
	require.NoError(t, err)
	Log.Debug().Str("type", "auth_success").Msg("recv")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"auth_success"`)
	assert.Contains(t, string(data), `"app":"cldzshop-client"`)
}
