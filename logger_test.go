package tddflow

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerHonorsLevel(t *testing.T) {
	ctx := context.Background()
	logger := NewLogger(slog.LevelWarn)
	require.True(t, logger.Enabled(ctx, slog.LevelError))
	require.True(t, logger.Enabled(ctx, slog.LevelWarn))
	require.False(t, logger.Enabled(ctx, slog.LevelInfo))

	verbose := NewLogger(slog.LevelInfo)
	require.True(t, verbose.Enabled(ctx, slog.LevelInfo))
	require.False(t, verbose.Enabled(ctx, slog.LevelDebug))
}
