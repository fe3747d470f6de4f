package pagination

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	for _, offset := range []int{0, 1, 50, 12345} {
		got, err := DecodeCursor(EncodeCursor(offset))
		require.NoError(t, err)
		assert.Equal(t, offset, got)
	}

	offset, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Equal(t, 0, offset)
}

func TestDecodeCursorRejectsForeignValues(t *testing.T) {
	for _, c := range []string{"%%%", "bm90LWEtY3Vyc29y", EncodeCursor(-1)} {
		_, err := DecodeCursor(c)
		assert.ErrorIs(t, err, ErrInvalidCursor, c)
	}
}

func TestPage(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}

	page, next, err := Page(items, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, page)
	require.NotEmpty(t, next)

	page, next, err = Page(items, next, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, page)

	page, next, err = Page(items, next, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"e"}, page)
	assert.Empty(t, next)
}

func TestPageDefaultsAndBounds(t *testing.T) {
	items := make([]int, 120)
	page, next, err := Page(items, "", 0)
	require.NoError(t, err)
	assert.Len(t, page, DefaultLimit)
	assert.NotEmpty(t, next)

	page, next, err = Page(items, "", 1000)
	require.NoError(t, err)
	assert.Len(t, page, 120)
	assert.Empty(t, next)

	_, _, err = Page(items, EncodeCursor(500), 10)
	assert.ErrorIs(t, err, ErrInvalidCursor)

	page, next, err = Page([]int{}, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Empty(t, next)
}

func TestValidateLimit(t *testing.T) {
	assert.NoError(t, ValidateLimit(1))
	assert.NoError(t, ValidateLimit(MaxLimit))
	assert.ErrorIs(t, ValidateLimit(0), ErrInvalidLimit)
	assert.ErrorIs(t, ValidateLimit(MaxLimit+1), ErrInvalidLimit)
	assert.Equal(t, MaxLimit, NormalizeLimit(MaxLimit*2))
}

func TestCollect(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	calls := 0
	all, err := Collect(context.Background(), func(_ context.Context, cursor string) ([]int, string, error) {
		calls++
		return Page(items, cursor, 3)
	})
	require.NoError(t, err)
	assert.Equal(t, items, all)
	assert.Equal(t, 3, calls)
}

func TestCollectStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Collect(context.Background(), func(_ context.Context, cursor string) ([]int, string, error) {
		if cursor == "" {
			return []int{1}, "next", nil
		}
		return nil, "", boom
	})
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Collect(ctx, func(context.Context, string) ([]int, string, error) {
		t.Fatal("fetch must not run on a cancelled context")
		return nil, "", nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
