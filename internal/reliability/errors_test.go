package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("wrap: %w", New(KindSessionExpired, "get", "", nil))
	require.ErrorIs(t, err, ErrSessionExpired)
	require.NotErrorIs(t, err, ErrSessionNotFound)
	require.Equal(t, KindSessionExpired, KindOf(err))
}

func TestKindOfBareSentinelAndUnknown(t *testing.T) {
	require.Equal(t, KindCapacityExceeded, KindOf(fmt.Errorf("x: %w", ErrCapacityExceeded)))
	require.Equal(t, KindInternal, KindOf(errors.New("boom")))
	require.Equal(t, Kind(""), KindOf(nil))
}

func TestUserMessageDistinctFromCode(t *testing.T) {
	err := ProviderUnavailable("tts", errors.New("503"))
	msg := UserMessage(err)
	require.NotEmpty(t, msg)
	require.NotContains(t, msg, string(KindProviderUnavailable))

	custom := New(KindProtocolViolation, "parse", "bad frame", nil)
	require.Equal(t, "bad frame", UserMessage(custom))
}

func TestRetryOnceRetriesTransientOnce(t *testing.T) {
	calls := 0
	_, err := RetryOnce(context.Background(), 0, func(context.Context) (int, error) {
		calls++
		return 0, ProviderUnavailable("stt", errors.New("down"))
	})
	require.ErrorIs(t, err, ErrProviderUnavailable)
	require.Equal(t, 2, calls)
}

func TestRetryOnceSucceedsOnSecondAttempt(t *testing.T) {
	calls := 0
	got, err := RetryOnce(context.Background(), 0, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", context.DeadlineExceeded
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", got)
}

func TestRetryOnceNeverRetriesCapacity(t *testing.T) {
	calls := 0
	_, err := RetryOnce(context.Background(), 0, func(context.Context) (int, error) {
		calls++
		return 0, New(KindCapacityExceeded, "create", "", nil)
	})
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, 1, calls)
}
