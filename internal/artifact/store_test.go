package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/codesdk/codesdk/internal/common/errors"
	"github.com/codesdk/codesdk/internal/common/logger"
)

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), maxBytes, logger.Default())
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t, 0)

	data := []byte("tool result body")
	ref, err := s.Put(data, PutOpts{ContentType: "text/plain", Name: "result", SessionID: "s1", TaskID: "t1"})
	require.NoError(t, err)
	assert.NotEmpty(t, ref.ArtifactID)
	assert.Equal(t, int64(len(data)), ref.SizeBytes)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, ref.ContentHash)

	got, meta, err := s.Get(ref.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "text/plain", meta.ContentType)
	assert.Equal(t, "s1", meta.SessionID)
	assert.Equal(t, ref.ContentHash, meta.ContentHash)
}

func TestPutEnforcesMaxBytes(t *testing.T) {
	s := newTestStore(t, 8)

	_, err := s.Put([]byte("under"), PutOpts{})
	require.NoError(t, err)

	_, err = s.Put([]byte("well over the limit"), PutOpts{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTooLarge, apperrors.Code(err))
}

func TestIdenticalContentGetsDistinctIDs(t *testing.T) {
	s := newTestStore(t, 0)

	a, err := s.Put([]byte("same"), PutOpts{})
	require.NoError(t, err)
	b, err := s.Put([]byte("same"), PutOpts{})
	require.NoError(t, err)

	assert.NotEqual(t, a.ArtifactID, b.ArtifactID)
	assert.Equal(t, a.ContentHash, b.ContentHash)
}

func TestGetMissingArtifact(t *testing.T) {
	s := newTestStore(t, 0)

	_, _, err := s.Get("does-not-exist")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.Code(err))
}

func TestGetRejectsPathTraversal(t *testing.T) {
	s := newTestStore(t, 0)

	for _, id := range []string{"../evil", "a/b", "..", ""} {
		_, _, err := s.Get(id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestListBySession(t *testing.T) {
	s := newTestStore(t, 0)

	_, err := s.Put([]byte("a"), PutOpts{SessionID: "s1", TaskID: "t1"})
	require.NoError(t, err)
	_, err = s.Put([]byte("b"), PutOpts{SessionID: "s1", TaskID: "t2"})
	require.NoError(t, err)
	_, err = s.Put([]byte("c"), PutOpts{SessionID: "s2"})
	require.NoError(t, err)

	all, err := s.ListBySession("s1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	t1, err := s.ListBySession("s1", "t1")
	require.NoError(t, err)
	assert.Len(t, t1, 1)
}
