package kv

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCategorizeSentinels(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{fmt.Errorf("wrap: %w", ErrChecksum), KindCorruption},
		{fmt.Errorf("wrap: %w", ErrDecrypt), KindEncryption},
		{fmt.Errorf("wrap: %w", ErrNotOpen), KindNotOpen},
		{fmt.Errorf("wrap: %w", ErrTypeMismatch), KindTypeMismatch},
		{sql.ErrNoRows, KindUnknown},
		{errors.New("something else"), KindUnknown},
	}
	for _, tc := range cases {
		got := Categorize("vitals", tc.err)
		require.Equal(t, tc.kind, got.Kind, "err=%v", tc.err)
		require.Equal(t, "vitals", got.Collection)
		require.NotEmpty(t, got.Suggestion)
		require.True(t, errors.Is(got, tc.err))
	}
}

func TestCategorizeNil(t *testing.T) {
	require.Nil(t, Categorize("vitals", nil))
}

func TestCategorizePassesThroughCategorized(t *testing.T) {
	inner := Categorize("vitals", ErrChecksum)
	outer := Categorize("rooms", fmt.Errorf("wrap: %w", inner))
	require.Same(t, inner, outer)
}

func TestErrorString(t *testing.T) {
	e := Categorize("vitals", ErrChecksum)
	require.Contains(t, e.Error(), "corruption")
	require.Contains(t, e.Error(), "vitals")
}
