package runtime

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesdk/codesdk/internal/artifact"
	"github.com/codesdk/codesdk/internal/canonical"
	apperrors "github.com/codesdk/codesdk/internal/common/errors"
	"github.com/codesdk/codesdk/internal/common/logger"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

func newCompileStore(t *testing.T) *artifact.Store {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir(), 0, logger.Default())
	require.NoError(t, err)
	return store
}

// compiledSize returns the canonical byte length of the given messages, the
// same form CompileInput measures against the limit.
func compiledSize(t *testing.T, messages []v1.Message) int64 {
	t.Helper()
	data, err := canonical.Canonicalize(compiledInput{Messages: messages})
	require.NoError(t, err)
	return int64(len(data))
}

func storedMessages(t *testing.T, store *artifact.Store, ref *v1.ArtifactRef) []v1.Message {
	t.Helper()
	data, _, err := store.Get(ref.ArtifactID)
	require.NoError(t, err)
	var in compiledInput
	require.NoError(t, json.Unmarshal(data, &in))
	return in.Messages
}

func TestCompileInputWithinLimit(t *testing.T) {
	store := newCompileStore(t)
	messages := []v1.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "second"},
	}

	res, err := CompileInput(store, "s1", "t1", "", messages, nil, compiledSize(t, messages)+64)
	require.NoError(t, err)

	assert.False(t, res.ContextWindow.Truncated)
	assert.False(t, res.ContextWindow.Overflow)
	assert.Equal(t, compiledSize(t, messages), res.ContextWindow.CompiledBytes)
	assert.Equal(t, messages, storedMessages(t, store, res.InputRef))
}

func TestCompileInputDropsOldestMessages(t *testing.T) {
	store := newCompileStore(t)
	messages := []v1.Message{
		{Role: "user", Content: strings.Repeat("a", 200)},
		{Role: "assistant", Content: "short reply"},
		{Role: "user", Content: "latest question"},
	}
	// Fits once the oldest message is gone, but not before.
	maxBytes := compiledSize(t, messages[1:])

	res, err := CompileInput(store, "s1", "t1", "", messages, nil, maxBytes)
	require.NoError(t, err)

	assert.True(t, res.ContextWindow.Truncated)
	assert.False(t, res.ContextWindow.Overflow)
	assert.Equal(t, maxBytes, res.ContextWindow.CompiledBytes)
	assert.Equal(t, messages[1:], storedMessages(t, store, res.InputRef))
}

func TestCompileInputOverflowKeepsLastMessage(t *testing.T) {
	store := newCompileStore(t)
	messages := []v1.Message{
		{Role: "user", Content: "dropped"},
		{Role: "user", Content: strings.Repeat("b", 500)},
	}

	res, err := CompileInput(store, "s1", "t1", "", messages, nil, 32)
	require.NoError(t, err)

	assert.True(t, res.ContextWindow.Truncated)
	assert.True(t, res.ContextWindow.Overflow)
	assert.Equal(t, messages[1:], storedMessages(t, store, res.InputRef))
}

func TestCompileInputSingleOversizeMessageOverflows(t *testing.T) {
	store := newCompileStore(t)
	messages := []v1.Message{{Role: "user", Content: strings.Repeat("c", 500)}}

	res, err := CompileInput(store, "s1", "t1", "", messages, nil, 32)
	require.NoError(t, err)

	assert.True(t, res.ContextWindow.Overflow)
	assert.False(t, res.ContextWindow.Truncated)
	assert.Equal(t, messages, storedMessages(t, store, res.InputRef))
}

func TestCompileInputHashMatchesStoredBytes(t *testing.T) {
	store := newCompileStore(t)
	messages := []v1.Message{{Role: "user", Content: "hash me"}}

	res, err := CompileInput(store, "s1", "t1", "gpt-test", messages,
		[]v1.ToolSpec{{Name: "echo"}}, 0)
	require.NoError(t, err)

	data, _, err := store.Get(res.InputRef.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, canonical.HashBytes(data), res.InputHash)
	assert.Equal(t, int64(len(data)), res.ContextWindow.CompiledBytes)
	assert.False(t, res.ContextWindow.Truncated)
}

func TestCompileInputRequiresMessages(t *testing.T) {
	store := newCompileStore(t)

	_, err := CompileInput(store, "s1", "t1", "", nil, nil, 0)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, apperrors.Code(err))
}
