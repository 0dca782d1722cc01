package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockStatsProvider struct {
	mock.Mock
}

func (m *mockStatsProvider) GetMetricsStats(ctx context.Context) (*Stats, error) {
	args := m.Called(ctx)
	if s, ok := args.Get(0).(*Stats); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func TestCollectorCollectsImmediatelyOnStart(t *testing.T) {
	provider := new(mockStatsProvider)
	provider.On("GetMetricsStats", mock.Anything).
		Return(&Stats{TotalBounces: 5, TotalObserverEvents: 12}, nil).Once()

	c := NewCollector(provider, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	cancel()
	<-done

	provider.AssertExpectations(t)
}

func TestCollectorSurvivesProviderError(t *testing.T) {
	provider := new(mockStatsProvider)
	provider.On("GetMetricsStats", mock.Anything).Return(nil, errors.New("db down")).Once()

	c := NewCollector(provider, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	cancel()
	<-done

	provider.AssertExpectations(t)
}

func TestCollectorStopStopsLoop(t *testing.T) {
	provider := new(mockStatsProvider)
	provider.On("GetMetricsStats", mock.Anything).Return(&Stats{}, nil)

	c := NewCollector(provider, time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	c.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop after Stop() was called")
	}

	assert.True(t, true)
}
