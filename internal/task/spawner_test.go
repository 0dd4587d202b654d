package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSpawner_RunsDetached(t *testing.T) {
	s := NewSpawner(zap.NewNop(), 0)

	var ran atomic.Bool
	s.Go("mark", func(context.Context) error {
		ran.Store(true)
		return nil
	})

	require.NoError(t, s.Wait(context.Background()))
	assert.True(t, ran.Load())
}

func TestSpawner_ErrorsDoNotPropagate(t *testing.T) {
	s := NewSpawner(zap.NewNop(), 0)

	s.Go("fails", func(context.Context) error {
		return errors.New("boom")
	})

	assert.NoError(t, s.Wait(context.Background()))
}

func TestSpawner_PanicRecovered(t *testing.T) {
	s := NewSpawner(zap.NewNop(), 1)

	s.Go("panics", func(context.Context) error {
		panic("oops")
	})
	s.Go("after", func(context.Context) error { return nil })

	assert.NoError(t, s.Wait(context.Background()))
}

func TestSpawner_WaitHonorsContext(t *testing.T) {
	s := NewSpawner(zap.NewNop(), 0)

	release := make(chan struct{})
	s.Go("slow", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Wait(ctx)
	assert.Error(t, err)

	close(release)
	assert.NoError(t, s.Wait(context.Background()))
}
