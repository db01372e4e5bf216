package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
)

// MockClient is a mock implementation of the Redis client for testing.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Ping(ctx context.Context) *redis.StatusCmd {
	args := m.Called(ctx)
	return redis.NewStatusResult("PONG", args.Error(0))
}

func (m *MockClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	args := m.Called(ctx, key, value, expiration)
	return redis.NewBoolResult(args.Bool(0), args.Error(1))
}

func (m *MockClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	called := m.Called(ctx, script, keys, args)
	return redis.NewCmdResult(called.Get(0), called.Error(1))
}

func (m *MockClient) Close() error {
	return m.Called().Error(0)
}

const key = "deployer:lock:development:0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func TestRedis_AcquireRelease(t *testing.T) {
	c := new(MockClient)
	l := newRedis(c, 30*time.Minute)

	var token interface{}
	c.On("SetNX", mock.Anything, key, mock.AnythingOfType("string"), 30*time.Minute).
		Run(func(args mock.Arguments) { token = args.Get(2) }).
		Return(true, nil)

	release, err := l.Acquire(context.Background(), key)
	require.NoError(t, err)

	c.On("Eval", mock.Anything, releaseScript, []string{key}, mock.MatchedBy(func(args []interface{}) bool {
		return len(args) == 1 && args[0] == token
	})).Return(int64(1), nil)

	require.NoError(t, release(context.Background()))
	c.AssertExpectations(t)
}

func TestRedis_AcquireHeld(t *testing.T) {
	c := new(MockClient)
	l := newRedis(c, time.Minute)
	c.On("SetNX", mock.Anything, key, mock.Anything, time.Minute).Return(false, nil)

	_, err := l.Acquire(context.Background(), key)
	require.Error(t, err)
	assert.ErrorIs(t, err, deperrors.ErrConfiguration)
	assert.Contains(t, err.Error(), "held by another deployment")
}

func TestRedis_AcquireUnavailable(t *testing.T) {
	c := new(MockClient)
	l := newRedis(c, time.Minute)
	c.On("SetNX", mock.Anything, key, mock.Anything, time.Minute).Return(false, errors.New("connection refused"))

	_, err := l.Acquire(context.Background(), key)
	assert.ErrorIs(t, err, deperrors.ErrConfiguration)
}

func TestRedis_ReleaseExpired(t *testing.T) {
	c := new(MockClient)
	l := newRedis(c, time.Minute)
	c.On("SetNX", mock.Anything, key, mock.Anything, time.Minute).Return(true, nil)
	c.On("Eval", mock.Anything, releaseScript, []string{key}, mock.Anything).Return(int64(0), nil)

	release, err := l.Acquire(context.Background(), key)
	require.NoError(t, err)

	err = release(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestRedis_RenewsUntilReleased(t *testing.T) {
	c := new(MockClient)
	ttl := 30 * time.Millisecond
	l := newRedis(c, ttl)

	extended := make(chan struct{}, 16)
	c.On("SetNX", mock.Anything, key, mock.Anything, ttl).Return(true, nil)
	c.On("Eval", mock.Anything, extendScript, []string{key}, mock.MatchedBy(func(args []interface{}) bool {
		return len(args) == 2 && args[1] == ttl.Milliseconds()
	})).
		Run(func(mock.Arguments) {
			select {
			case extended <- struct{}{}:
			default:
			}
		}).
		Return(int64(1), nil)
	c.On("Eval", mock.Anything, releaseScript, []string{key}, mock.Anything).Return(int64(1), nil)

	release, err := l.Acquire(context.Background(), key)
	require.NoError(t, err)

	// Outlive the TTL twice over.
	for i := 0; i < 2; i++ {
		select {
		case <-extended:
		case <-time.After(time.Second):
			t.Fatal("lock was not renewed")
		}
	}

	require.NoError(t, release(context.Background()))
	c.AssertCalled(t, "Eval", mock.Anything, releaseScript, []string{key}, mock.Anything)
}

func TestRedis_ReleaseAfterLockLost(t *testing.T) {
	c := new(MockClient)
	ttl := 30 * time.Millisecond
	l := newRedis(c, ttl)

	extended := make(chan struct{}, 1)
	c.On("SetNX", mock.Anything, key, mock.Anything, ttl).Return(true, nil)
	c.On("Eval", mock.Anything, extendScript, []string{key}, mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case extended <- struct{}{}:
			default:
			}
		}).
		Return(int64(0), nil)

	release, err := l.Acquire(context.Background(), key)
	require.NoError(t, err)

	select {
	case <-extended:
	case <-time.After(time.Second):
		t.Fatal("lock was not renewed")
	}

	err = release(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lost")
	c.AssertNotCalled(t, "Eval", mock.Anything, releaseScript, []string{key}, mock.Anything)
}

func TestRedis_TokensAreUnique(t *testing.T) {
	c := new(MockClient)
	l := newRedis(c, time.Minute)

	var tokens []interface{}
	c.On("SetNX", mock.Anything, key, mock.Anything, time.Minute).
		Run(func(args mock.Arguments) { tokens = append(tokens, args.Get(2)) }).
		Return(true, nil)

	c.On("Eval", mock.Anything, releaseScript, []string{key}, mock.Anything).Return(int64(1), nil)

	for i := 0; i < 2; i++ {
		release, err := l.Acquire(context.Background(), key)
		require.NoError(t, err)
		require.NoError(t, release(context.Background()))
	}
	require.Len(t, tokens, 2)
	assert.NotEqual(t, tokens[0], tokens[1])
}

func TestNoop(t *testing.T) {
	release, err := Noop{}.Acquire(context.Background(), key)
	require.NoError(t, err)
	assert.NoError(t, release(context.Background()))
}
