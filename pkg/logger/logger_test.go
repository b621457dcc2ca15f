package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("loud"))
}

func TestBuild_TagsServiceAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log := build(&buf, zerolog.WarnLevel)

	log.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	log.Warn().Str("field", "leaf_photo").Msg("kept")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, serviceName, entry["service"])
	assert.Equal(t, "leaf_photo", entry["field"])
	assert.Equal(t, "kept", entry["message"])
	assert.Contains(t, entry, "time")
}
