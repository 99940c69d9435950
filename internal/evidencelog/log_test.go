// SPDX-License-Identifier: Apache-2.0

package evidencelog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendFsyncsAndIsOrdered(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, DefaultNames())

	l.Lock()
	require.NoError(t, l.AppendLocked("1111111111111111111111111111111111111111"))
	require.NoError(t, l.AppendLocked("2222222222222222222222222222222222222222"))
	l.Unlock()

	lines, err := ReadLines(l.WorkingPath())
	require.NoError(t, err)
	require.Equal(t, []string{
		"1111111111111111111111111111111111111111",
		"2222222222222222222222222222222222222222",
	}, lines)
}

func TestAppendRejectsMalformedCommit(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, DefaultNames())
	l.Lock()
	defer l.Unlock()
	require.Error(t, l.AppendLocked("not-a-commit"))
}

func TestRotateCommitPreserveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, DefaultNames())

	l.Lock()
	require.NoError(t, l.AppendLocked("3333333333333333333333333333333333333333"))
	_, ok, err := l.RotateLocked()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.PreserveLocked())
	require.NoError(t, l.RecreateWorkingLocked())
	l.Unlock()

	// Working log exists and is empty.
	info, err := os.Stat(l.WorkingPath())
	require.NoError(t, err)
	require.Zero(t, info.Size())

	// Rotated log no longer exists; preserved log carries the bytes.
	_, err = os.Stat(filepath.Join(dir, DefaultNames().Rotated))
	require.Error(t, err)

	preserved, err := l.ReadPreserved()
	require.NoError(t, err)
	require.Equal(t, "3333333333333333333333333333333333333333\n", string(preserved))
}

func TestRotateWithNoWorkingLogIsNoop(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, DefaultNames())
	l.Lock()
	defer l.Unlock()
	_, ok, err := l.RotateLocked()
	require.NoError(t, err)
	require.False(t, ok)
}
