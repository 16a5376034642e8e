package telegram

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	logx "bsemon/pkg/logx"
)

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{Token: "   "}, logx.Nop())
	require.Error(t, err)

	a, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, a)
}

func TestSendTextRejectsBadRecipient(t *testing.T) {
	a, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	require.NoError(t, err)

	err = a.SendText(context.Background(), "not-a-chat-id", "hello")
	require.ErrorIs(t, err, ErrBadRecipient)
	require.True(t, IsPermanent(err))
}

func TestSendTextHonorsCancelledContext(t *testing.T) {
	a, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, a.SendText(ctx, "42", "hello"), context.Canceled)
}

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain transport error", errors.New("connection reset"), false},
		{"bad request", &tele.Error{Code: 400, Description: "Bad Request: chat not found"}, true},
		{"forbidden", &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}, true},
		{"wrapped forbidden", fmt.Errorf("send: %w", &tele.Error{Code: 403}), true},
		{"server error", &tele.Error{Code: 502, Description: "Bad Gateway"}, false},
		{"rate limit", tele.FloodError{RetryAfter: 7}, false},
		{"bad recipient", fmt.Errorf("%w: %q", ErrBadRecipient, "x"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsPermanent(tc.err))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	d, ok := RetryAfter(tele.FloodError{RetryAfter: 7})
	require.True(t, ok)
	require.Equal(t, 7*time.Second, d)

	_, ok = RetryAfter(&tele.Error{Code: 400})
	require.False(t, ok)
	_, ok = RetryAfter(nil)
	require.False(t, ok)
}
