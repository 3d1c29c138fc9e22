package ring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendAndReadFromStart(t *testing.T) {
	b := New(16)
	b.Append([]byte("hello"))
	b.Close()

	start, data, eof := b.ReadFrom(0, 0, nil)
	require.EqualValues(t, 0, start)
	require.Equal(t, "hello", string(data))
	require.False(t, eof)
}

func TestReadFromAfterCloseReturnsEOF(t *testing.T) {
	b := New(16)
	b.Append([]byte("hello"))
	b.Close()

	start, data, eof := b.ReadFrom(5, 0, nil)
	require.EqualValues(t, 5, start)
	require.Empty(t, data)
	require.True(t, eof)
}

func TestOverCapacityKeepsLastNBytes(t *testing.T) {
	// A buffer smaller than the stream keeps only the tail, and reading from
	// offset 0 after close reports the earliest still-available offset.
	b := New(4)
	b.Append([]byte("abcdefgh"))
	b.Close()

	start, data, eof := b.ReadFrom(0, 0, nil)
	require.EqualValues(t, 4, start)
	require.Equal(t, "efgh", string(data))
	require.True(t, eof)
}

func TestLaggingReaderGetsEarliestAvailableOffset(t *testing.T) {
	b := New(4)
	b.Append([]byte("a"))
	b.Append([]byte("bcdefgh"))

	start, data, eof := b.ReadFrom(0, 0, nil)
	require.EqualValues(t, 4, start)
	require.Equal(t, "efgh", string(data))
	require.False(t, eof)
}

func TestReadFromBlocksUntilAppend(t *testing.T) {
	b := New(16)

	resultC := make(chan []byte, 1)
	go func() {
		_, data, _ := b.ReadFrom(0, 0, nil)
		resultC <- data
	}()

	time.Sleep(20 * time.Millisecond)
	b.Append([]byte("woke up"))

	select {
	case data := <-resultC:
		require.Equal(t, "woke up", string(data))
	case <-time.After(time.Second):
		t.Fatal("ReadFrom did not unblock after Append")
	}
}

func TestReadFromTimesOutWithNoData(t *testing.T) {
	b := New(16)

	start, data, eof := b.ReadFrom(0, 0, time.After(20*time.Millisecond))
	require.EqualValues(t, 0, start)
	require.Empty(t, data)
	require.False(t, eof)
}

func TestReadFromUnblocksOnClose(t *testing.T) {
	b := New(16)

	doneC := make(chan struct{})
	go func() {
		_, _, eof := b.ReadFrom(0, 0, nil)
		require.True(t, eof)
		close(doneC)
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case <-doneC:
	case <-time.After(time.Second):
		t.Fatal("ReadFrom did not unblock on Close")
	}
}

func TestMultipleConcurrentReaders(t *testing.T) {
	b := New(1024)
	b.Append([]byte("0123456789"))
	b.Close()

	results := make(chan string, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, data, _ := b.ReadFrom(0, 0, nil)
			results <- string(data)
		}()
	}

	for i := 0; i < 3; i++ {
		require.Equal(t, "0123456789", <-results)
	}
}

func TestAppendLargerThanCapacityKeepsTail(t *testing.T) {
	b := New(4)
	b.Append([]byte("0123456789"))
	require.EqualValues(t, 10, b.TotalWritten())

	start, data, eof := b.ReadFrom(0, 0, nil)
	require.EqualValues(t, 6, start)
	require.Equal(t, "6789", string(data))
	require.False(t, eof)
}
