package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDrainRunsInFIFOOrder(t *testing.T) {
	l := New()
	var got []int
	for i := 1; i <= 3; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}

	assert.Equal(t, 3, l.Len())
	assert.Equal(t, 3, l.Drain())
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 0, l.Len())
}

func TestDrainRunsTasksPostedDuringDrain(t *testing.T) {
	l := New()
	var got []string
	l.Post(func() {
		got = append(got, "outer")
		l.Post(func() { got = append(got, "inner") })
		got = append(got, "outer-end")
	})

	assert.Equal(t, 2, l.Drain())
	assert.Equal(t, []string{"outer", "outer-end", "inner"}, got, "re-entrant posts queue behind the current task")
}

func TestPanickingTaskDoesNotStopDrain(t *testing.T) {
	l := New()
	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })

	assert.Equal(t, 2, l.Drain())
	assert.True(t, ran)
}

func TestPostAfterClose(t *testing.T) {
	l := New()
	l.Close()
	l.Close() // idempotent
	assert.False(t, l.Post(func() {}))
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		l.Post(wg.Done)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	wg.Wait()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReturnsAfterCloseWhenEmpty(t *testing.T) {
	l := New()
	done := make(chan struct{})
	l.Post(func() { close(done) })

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(context.Background()) }()

	<-done
	l.Close()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after close")
	}
}

func TestInlineRunsImmediately(t *testing.T) {
	ran := false
	assert.True(t, Inline{}.Post(func() { ran = true }))
	assert.True(t, ran)
}
