package chats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"ancode/internal/tester"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	chat := Chat{
		ID:          "c1",
		URLID:       "my-app",
		Description: "Todo app",
		Messages:    json.RawMessage(`[{"role":"user","content":"hi"}]`),
	}
	tester.NoErr(t, s.Put(ctx, chat))

	got, err := s.Get(ctx, "c1")
	tester.NoErr(t, err)
	tester.Eq(t, got.Description, "Todo app")
	tester.False(t, got.Timestamp.IsZero(), "timestamp assigned")
}

func TestGetByURLID(t *testing.T) {
	s := New()
	ctx := context.Background()
	tester.NoErr(t, s.Put(ctx, Chat{ID: "c1", URLID: "my-app"}))

	got, err := s.Get(ctx, "my-app")
	tester.NoErr(t, err)
	tester.Eq(t, got.ID, "c1")
}

func TestGetMissing(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutInvalidatesCache(t *testing.T) {
	s := New()
	ctx := context.Background()
	tester.NoErr(t, s.Put(ctx, Chat{ID: "c1", Description: "first"}))

	_, err := s.Get(ctx, "c1") // populate cache
	tester.NoErr(t, err)

	tester.NoErr(t, s.Put(ctx, Chat{ID: "c1", Description: "second"}))
	got, err := s.Get(ctx, "c1")
	tester.NoErr(t, err)
	tester.Eq(t, got.Description, "second")
}

func TestListNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	tester.NoErr(t, s.Put(ctx, Chat{ID: "old", Timestamp: old}))
	tester.NoErr(t, s.Put(ctx, Chat{ID: "new", Timestamp: time.Now()}))

	list, err := s.List(ctx)
	tester.NoErr(t, err)
	tester.Eq(t, len(list), 2)
	tester.Eq(t, list[0].ID, "new")
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	tester.NoErr(t, s.Put(ctx, Chat{ID: "c1"}))
	tester.NoErr(t, s.Delete(ctx, "c1"))

	_, err := s.Get(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "c1"), ErrNotFound)
}
