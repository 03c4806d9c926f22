package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesdk/codesdk/internal/runtimeenv"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

type stubAuthAdapter struct {
	name      string
	authCalls int
}

func (s *stubAuthAdapter) Name() string                  { return s.name }
func (s *stubAuthAdapter) Capabilities() v1.Capabilities { return v1.Capabilities{} }

func (s *stubAuthAdapter) AuthStatus(ctx context.Context, env *runtimeenv.RuntimeEnv) (*v1.AuthStatus, error) {
	s.authCalls++
	return &v1.AuthStatus{Ok: true, Method: "none"}, nil
}

func (s *stubAuthAdapter) CreateSession(ctx context.Context, env *runtimeenv.RuntimeEnv, handle *SessionHandle, opts CreateSessionOpts) error {
	return nil
}

func (s *stubAuthAdapter) ResumeSession(ctx context.Context, env *runtimeenv.RuntimeEnv, handle *SessionHandle) error {
	return ErrNotSupported
}

func (s *stubAuthAdapter) StartTask(ctx context.Context, env *runtimeenv.RuntimeEnv, handle *SessionHandle, in StartTaskInput) (TaskHandle, error) {
	return nil, ErrNotSupported
}

func TestAuthStatusCachedWithinTTL(t *testing.T) {
	adapter := &stubAuthAdapter{name: "stub"}
	r := NewRegistry()
	require.NoError(t, r.Register(adapter))

	clock := time.Now()
	r.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		status, err := r.AuthStatus(context.Background(), "stub", nil)
		require.NoError(t, err)
		assert.True(t, status.Ok)
	}
	assert.Equal(t, 1, adapter.authCalls, "repeat checks within the TTL hit the cache")

	clock = clock.Add(authCacheTTL + time.Second)
	_, err := r.AuthStatus(context.Background(), "stub", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, adapter.authCalls, "an expired entry re-queries the adapter")
}

func TestRegistryDefaultSelection(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubAuthAdapter{name: "first"}))
	require.NoError(t, r.Register(&stubAuthAdapter{name: "second"}))

	// First registration becomes the default until overridden.
	a, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, "first", a.Name())

	require.NoError(t, r.SetDefault("second"))
	a, err = r.Get("")
	require.NoError(t, err)
	assert.Equal(t, "second", a.Name())

	require.Error(t, r.SetDefault("missing"))
	require.Error(t, r.Register(&stubAuthAdapter{name: "first"}))
}
