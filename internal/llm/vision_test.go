package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVisionHandle_LoadsOnce(t *testing.T) {
	var loads atomic.Int32
	model := &fakeVision{answer: "a bronze mask"}
	h := NewVisionHandle(func(ctx context.Context) (VisionModel, error) {
		loads.Add(1)
		return model, nil
	})
	require.False(t, h.Loaded())

	got := make([]VisionModel, 16)
	errs := make([]error, 16)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = h.Get(context.Background())
		}(i)
	}
	wg.Wait()

	for i := range got {
		require.NoError(t, errs[i])
		require.Same(t, model, got[i])
	}
	require.Equal(t, int32(1), loads.Load())
	require.True(t, h.Loaded())
}

func TestVisionHandle_RetriesFailedLoad(t *testing.T) {
	attempts := 0
	model := &fakeVision{answer: "ok"}
	h := NewVisionHandle(func(ctx context.Context) (VisionModel, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("model repository unreachable")
		}
		return model, nil
	})

	_, err := h.Get(context.Background())
	require.ErrorContains(t, err, "model repository unreachable")
	require.False(t, h.Loaded())

	got, err := h.Get(context.Background())
	require.NoError(t, err)
	require.Same(t, model, got)
	require.Equal(t, 2, attempts)
}

func TestDescribeArtifact(t *testing.T) {
	vision := &fakeVision{answer: "  A bronze mask with protruding eyes.\n"}
	c := NewClientWithModels(Models{
		Vision: func(ctx context.Context) (VisionModel, error) { return vision, nil },
	}, nil)

	desc, err := c.DescribeArtifact(context.Background(), []byte{1, 2, 3}, "image/png")
	require.NoError(t, err)
	require.Equal(t, "A bronze mask with protruding eyes.", desc)
	require.Equal(t, "Describe this artifact in detail.", vision.last)
}

func TestDescribeArtifact_Errors(t *testing.T) {
	t.Run("empty answer", func(t *testing.T) {
		c := NewClientWithModels(Models{
			Vision: func(ctx context.Context) (VisionModel, error) { return &fakeVision{answer: "   "}, nil },
		}, nil)
		_, err := c.DescribeArtifact(context.Background(), []byte{1}, "image/png")
		require.ErrorIs(t, err, ErrEmptyDescription)
	})

	t.Run("inference error", func(t *testing.T) {
		boom := errors.New("cuda out of memory")
		c := NewClientWithModels(Models{
			Vision: func(ctx context.Context) (VisionModel, error) { return &fakeVision{err: boom}, nil },
		}, nil)
		_, err := c.DescribeArtifact(context.Background(), []byte{1}, "image/png")
		require.ErrorIs(t, err, boom)
	})

	t.Run("no vision model", func(t *testing.T) {
		c := NewClientWithModels(Models{}, nil)
		_, err := c.DescribeArtifact(context.Background(), []byte{1}, "image/png")
		require.ErrorIs(t, err, ErrVisionUnavailable)
	})

	t.Run("missing api key", func(t *testing.T) {
		_, err := geminiVisionLoader("", "", "gemini-2.0-flash-001")(context.Background())
		require.ErrorIs(t, err, ErrVisionUnavailable)
	})
}
