// SPDX-License-Identifier: Apache-2.0

package logcolor

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerColorsLevelAndIncludesAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Info("signing key resolved", "key-id", "deadbeef")

	out := buf.String()
	require.Contains(t, out, colorCyan)
	require.Contains(t, out, "signing key resolved")
	require.Contains(t, out, "key-id=deadbeef")
}

func TestHandlerRespectsLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelWarn))
	logger.Info("should not appear")
	logger.Warn("should appear")

	out := buf.String()
	require.NotContains(t, out, "should not appear")
	require.Contains(t, out, "should appear")
}

func TestWithAttrsCarriesAcrossCalls(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo)).With("component", "boot")
	logger.Info("starting")

	require.Contains(t, buf.String(), "component=boot")
}
