package spool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestOpenCreatesFourDirectories(t *testing.T) {
	root := t.TempDir()
	_, err := Open(root)
	require.NoError(t, err)

	for _, dir := range []string{"incoming", "processing", "done", "failed"} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestEnqueueThenCheckOutRoundTrip(t *testing.T) {
	s := newTestSpool(t)

	id, err := s.Enqueue([]byte("hello"))
	require.NoError(t, err)

	ids, err := s.ListIncoming()
	require.NoError(t, err)
	assert.Contains(t, ids, id)

	require.NoError(t, s.CheckOut(id))

	body, err := s.ReadProcessing(id)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestCheckOutTwiceReturnsNotFoundOnSecondCall(t *testing.T) {
	s := newTestSpool(t)
	id, err := s.Enqueue([]byte("hello"))
	require.NoError(t, err)

	require.NoError(t, s.CheckOut(id))
	err = s.CheckOut(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckOutMissingObjectReturnsNotFound(t *testing.T) {
	s := newTestSpool(t)
	err := s.CheckOut("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkDoneMovesToDoneDirectory(t *testing.T) {
	s := newTestSpool(t)
	id, err := s.Enqueue([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.CheckOut(id))
	require.NoError(t, s.MarkDone(id))

	depths, err := s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depths["done"])
	assert.Equal(t, 0, depths["processing"])
}

func TestMarkFailedIsTerminal(t *testing.T) {
	s := newTestSpool(t)
	id, err := s.Enqueue([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.CheckOut(id))
	require.NoError(t, s.MarkFailed(id))

	depths, err := s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depths["failed"])
}

func TestRetryReturnsObjectToIncoming(t *testing.T) {
	s := newTestSpool(t)
	id, err := s.Enqueue([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.CheckOut(id))
	require.NoError(t, s.Retry(id))

	ids, err := s.ListIncoming()
	require.NoError(t, err)
	assert.Contains(t, ids, id)
}

func TestIsObjectFilename(t *testing.T) {
	assert.True(t, IsObjectFilename("550e8400-e29b-41d4-a716-446655440000.eml"))
	assert.False(t, IsObjectFilename("not-a-uuid.eml"))
	assert.False(t, IsObjectFilename(".enqueue-123456"))
	assert.False(t, IsObjectFilename("550e8400-e29b-41d4-a716-446655440000.tmp"))
}

func TestDepthCountsEachDirectoryIndependently(t *testing.T) {
	s := newTestSpool(t)
	for i := 0; i < 3; i++ {
		_, err := s.Enqueue([]byte("x"))
		require.NoError(t, err)
	}

	depths, err := s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 3, depths["incoming"])
	assert.Equal(t, 0, depths["processing"])
	assert.Equal(t, 0, depths["done"])
	assert.Equal(t, 0, depths["failed"])
}

func TestListProcessingAndListFailed(t *testing.T) {
	s := newTestSpool(t)
	id, err := s.Enqueue([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.CheckOut(id))

	processing, err := s.ListProcessing()
	require.NoError(t, err)
	assert.Contains(t, processing, id)

	require.NoError(t, s.MarkFailed(id))
	failed, err := s.ListFailed()
	require.NoError(t, err)
	assert.Contains(t, failed, id)

	processing, err = s.ListProcessing()
	require.NoError(t, err)
	assert.NotContains(t, processing, id)
}

func TestRecoverProcessingMovesBackToIncoming(t *testing.T) {
	s := newTestSpool(t)
	id, err := s.Enqueue([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.CheckOut(id))

	require.NoError(t, s.RecoverProcessing(id))

	ids, err := s.ListIncoming()
	require.NoError(t, err)
	assert.Contains(t, ids, id)
}

func TestRequeueFailedMovesBackToIncoming(t *testing.T) {
	s := newTestSpool(t)
	id, err := s.Enqueue([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.CheckOut(id))
	require.NoError(t, s.MarkFailed(id))

	require.NoError(t, s.RequeueFailed(id))

	ids, err := s.ListIncoming()
	require.NoError(t, err)
	assert.Contains(t, ids, id)
}
