package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/haowen-xu/ml-gridengine-executor/internal/ring"
)

func TestWriteOutputFilePrependsDiscardMarkerWhenTruncated(t *testing.T) {
	rb := ring.New(8)
	rb.Append([]byte("0123456789")) // 10 bytes into an 8-byte ring: first 2 discarded
	rb.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "output.log")
	writeOutputFile(path, rb, zap.NewNop().Sugar())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "[2 (0.00M) bytes discarded]\n23456789", string(data))
}

func TestWriteOutputFileWithoutTruncationHasNoMarker(t *testing.T) {
	rb := ring.New(1024)
	rb.Append([]byte("hello"))
	rb.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "output.log")
	writeOutputFile(path, rb, zap.NewNop().Sugar())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestWriteOutputFileSkippedWhenPathEmpty(t *testing.T) {
	rb := ring.New(16)
	rb.Close()
	writeOutputFile("", rb, zap.NewNop().Sugar())
}
