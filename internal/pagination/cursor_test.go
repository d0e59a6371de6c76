package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 12, 9, 45, 30, 123456789, time.UTC)

	cursor, err := Decode(Encode(at, "cev_9f21ab"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, cursor.CreatedAt.Equal(at))
	assert.Equal(t, "cev_9f21ab", cursor.ID)
}

func TestDecode_EmptyMeansFirstPage(t *testing.T) {
	cursor, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Garbage(t *testing.T) {
	for _, token := range []string{
		"%%%not-base64",
		base64.URLEncoding.EncodeToString([]byte("no-separator")),
		base64.URLEncoding.EncodeToString([]byte("notanumber|cev_1")),
	} {
		_, err := Decode(token)
		assert.ErrorIs(t, err, ErrInvalidCursor, "token %q", token)
	}
}

func TestComputePage(t *testing.T) {
	key := func(s string) (time.Time, string) {
		return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), s
	}

	t.Run("overfetch yields cursor", func(t *testing.T) {
		page, next, hasMore := ComputePage([]string{"a", "b", "c", "d"}, 3, key)
		assert.Equal(t, []string{"a", "b", "c"}, page)
		assert.True(t, hasMore)

		cursor, err := Decode(next)
		require.NoError(t, err)
		assert.Equal(t, "c", cursor.ID, "cursor points at last kept item")
	})

	t.Run("exact limit is the last page", func(t *testing.T) {
		page, next, hasMore := ComputePage([]string{"a", "b", "c"}, 3, key)
		assert.Len(t, page, 3)
		assert.Empty(t, next)
		assert.False(t, hasMore)
	})

	t.Run("short page", func(t *testing.T) {
		page, next, hasMore := ComputePage([]string{"a"}, 3, key)
		assert.Len(t, page, 1)
		assert.Empty(t, next)
		assert.False(t, hasMore)
	})

	t.Run("empty", func(t *testing.T) {
		page, _, hasMore := ComputePage(nil, 3, key)
		assert.Empty(t, page)
		assert.False(t, hasMore)
	})
}
