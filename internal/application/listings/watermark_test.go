package listings

import (
	"context"
	"testing"

	"codemarket-backend/internal/domain"
	"codemarket-backend/internal/pkg/contentcipher"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceWatermark(t *testing.T) {
	s, _ := setupListings(t)
	ctx := context.Background()
	l, err := s.CreateListing(ctx, owner, validInput(), artifact(5))
	require.NoError(t, err)

	res, err := s.TraceWatermark(ctx, l.PreviewWatermark)
	require.NoError(t, err)
	assert.Equal(t, l.ID, res.ListingID)
	assert.Equal(t, owner, res.Owner)
	assert.True(t, res.Current)
	assert.False(t, res.IssuedAt.IsZero())

	// An older mark for the same listing still traces but is not current.
	old, err := s.Watermarker.Mark("listing:" + l.ID)
	require.NoError(t, err)
	res, err = s.TraceWatermark(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, l.ID, res.ListingID)
	assert.False(t, res.Current)
}

func TestTraceWatermark_Rejections(t *testing.T) {
	s, _ := setupListings(t)
	ctx := context.Background()

	_, err := s.TraceWatermark(ctx, "  ")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = s.TraceWatermark(ctx, "not-a-watermark")
	assert.ErrorIs(t, err, domain.ErrValidation)

	foreign, err := contentcipher.NewWatermarker([]byte("other-secret"))
	require.NoError(t, err)
	mark, err := foreign.Mark("listing:x")
	require.NoError(t, err)
	_, err = s.TraceWatermark(ctx, mark)
	assert.ErrorIs(t, err, domain.ErrValidation)

	mark, err = s.Watermarker.Mark("purchase:x")
	require.NoError(t, err)
	_, err = s.TraceWatermark(ctx, mark)
	assert.ErrorIs(t, err, domain.ErrValidation)

	mark, err = s.Watermarker.Mark("listing:missing")
	require.NoError(t, err)
	_, err = s.TraceWatermark(ctx, mark)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
