package credits

import (
	"context"
	"testing"

	"ancode/internal/tester"

	"github.com/stretchr/testify/require"
)

func TestConsumeDecrementsUntilExhausted(t *testing.T) {
	s := New()
	ctx := context.Background()
	tester.NoErr(t, s.Grant(ctx, "u1", 2))

	tester.NoErr(t, s.Consume(ctx, "u1"))
	tester.NoErr(t, s.Consume(ctx, "u1"))

	err := s.Consume(ctx, "u1")
	require.ErrorIs(t, err, ErrInsufficient)

	acct, ok := s.Balance(ctx, "u1")
	tester.True(t, ok, "account exists")
	tester.Eq(t, acct.Usage, 2)
	tester.Eq(t, acct.Credits, 2)
}

func TestConsumeUnknownUser(t *testing.T) {
	s := New()
	err := s.Consume(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrInsufficient)
}

func TestGrantRaisesAllowance(t *testing.T) {
	s := New()
	ctx := context.Background()
	tester.NoErr(t, s.Grant(ctx, "u1", 1))
	tester.NoErr(t, s.Consume(ctx, "u1"))
	require.ErrorIs(t, s.Consume(ctx, "u1"), ErrInsufficient)

	tester.NoErr(t, s.Grant(ctx, "u1", 5))
	tester.NoErr(t, s.Consume(ctx, "u1"))
}

func TestNewFromEnvFallsBackToMemory(t *testing.T) {
	s := NewFromEnv("")
	tester.True(t, s.db == nil, "no DSN means memory store")
}
