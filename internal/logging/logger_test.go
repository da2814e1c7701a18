package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"Warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := newWithWriter(&Config{Level: "WARN", JSONFormat: true, Component: "ledger"}, &buf)

	l.Info().Msg("dropped")
	assert.Zero(t, buf.Len(), "below level")

	pl := Component(l, "payments")
	pl.Warn().Str("user_id", "u1").Msg("kept")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ledger", line["service"])
	assert.Equal(t, "payments", line["component"])
	assert.Equal(t, "u1", line["user_id"])
	assert.Equal(t, "kept", line["message"])
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithRequestID(context.Background(), base, "req-1")
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))

	ul := UserContext(ctx, "u9")
	ul.Info().Msg("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "u9", line["user_id"])
}

func TestFromContext_FallsBackToDefault(t *testing.T) {
	assert.NotPanics(t, func() {
		l := FromContext(context.Background())
		l.Debug().Msg("default logger")
	})
	assert.Empty(t, RequestIDFromContext(context.Background()))
}
