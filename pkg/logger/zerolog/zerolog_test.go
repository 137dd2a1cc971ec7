package zerolog_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	zlog "github.com/shopfront/freshness/pkg/logger/zerolog"
)

func TestLogger(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	l := zlog.New(zerolog.New(buff).Level(zerolog.DebugLevel))

	l.Warn("reconnect failed", "attempt", 3, "error", errors.New("refused"), "channel", "product-1")

	var got map[string]any
	require.NoError(t, json.Unmarshal(buff.Bytes(), &got))
	require.Equal(t, "warn", got["level"])
	require.Equal(t, "reconnect failed", got["message"])
	require.EqualValues(t, 3, got["attempt"])
	require.Equal(t, "refused", got["error"])
	require.Equal(t, "product-1", got["channel"])
}

func TestLoggerDanglingKey(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	l := zlog.New(zerolog.New(buff))

	l.Info("odd args", "lonely")

	var got map[string]any
	require.NoError(t, json.Unmarshal(buff.Bytes(), &got))
	require.Equal(t, "lonely", got["!BADKEY"])
}
