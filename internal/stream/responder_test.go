package stream

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true}}, nil)

// fakeSource yields batches of the given sizes, then failErr if set.
type fakeSource struct {
	alloc   memory.Allocator
	sizes   []int
	failErr error

	pos    int
	cur    arrow.RecordBatch
	err    error
	closed atomic.Int32
}

func newFakeSource(alloc memory.Allocator, sizes []int, failErr error) *fakeSource {
	return &fakeSource{alloc: alloc, sizes: sizes, failErr: failErr}
}

func (s *fakeSource) Schema() *arrow.Schema { return testSchema }

func (s *fakeSource) Next() bool {
	if s.cur != nil {
		s.cur.Release()
		s.cur = nil
	}
	if s.pos >= len(s.sizes) {
		s.err = s.failErr
		return false
	}
	b := array.NewRecordBuilder(s.alloc, testSchema)
	defer b.Release()
	for i := 0; i < s.sizes[s.pos]; i++ {
		b.Field(0).(*array.Int64Builder).Append(int64(i))
	}
	s.cur = b.NewRecordBatch()
	s.pos++
	return true
}

func (s *fakeSource) RecordBatch() arrow.RecordBatch { return s.cur }
func (s *fakeSource) Err() error                     { return s.err }

func (s *fakeSource) Close() error {
	s.closed.Add(1)
	if s.cur != nil {
		s.cur.Release()
		s.cur = nil
	}
	return nil
}

type countingReleaser struct{ n atomic.Int32 }

func (c *countingReleaser) Release() { c.n.Add(1) }

func newResponder(t *testing.T, sizes []int, failErr error) (*Responder, *fakeSource, *countingReleaser) {
	t.Helper()
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	t.Cleanup(func() { alloc.AssertSize(t, 0) })
	src := newFakeSource(alloc, sizes, failErr)
	rel := &countingReleaser{}
	return New(src, rel), src, rel
}

func TestResponder_Done(t *testing.T) {
	r, src, rel := newResponder(t, []int{3, 3, 1}, nil)
	ctx := context.Background()
	assert.Equal(t, StateStart, r.State())

	var rows int64
	for {
		rec, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, StateStreaming, r.State())
		rows += rec.NumRows()
		rec.Release()
	}

	assert.Equal(t, int64(7), rows)
	assert.Equal(t, StateDone, r.State())
	assert.Equal(t, int64(3), r.Batches())
	assert.Equal(t, int64(7), r.Rows())
	assert.Equal(t, int32(1), rel.n.Load())
	assert.Equal(t, int32(1), src.closed.Load())

	_, err := r.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	r.Close()
	assert.Equal(t, int32(1), rel.n.Load(), "release happens once")
}

func TestResponder_EmptyResult(t *testing.T) {
	r, _, rel := newResponder(t, nil, nil)
	_, err := r.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, StateDone, r.State())
	assert.Zero(t, r.Batches())
	assert.Equal(t, int32(1), rel.n.Load())
}

func TestResponder_Failed(t *testing.T) {
	boom := errors.New("IO Error: object vanished")
	r, src, rel := newResponder(t, []int{2}, boom)
	ctx := context.Background()

	rec, err := r.Next(ctx)
	require.NoError(t, err)
	rec.Release()

	_, err = r.Next(ctx)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateFailed, r.State())
	assert.ErrorIs(t, r.Err(), boom)
	assert.Equal(t, int32(1), rel.n.Load())
	assert.Equal(t, int32(1), src.closed.Load())

	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, boom, "terminal state is sticky")
	assert.Equal(t, int32(1), rel.n.Load())
}

func TestResponder_AbandonedByClose(t *testing.T) {
	r, src, rel := newResponder(t, []int{5, 5, 5}, nil)

	rec, err := r.Next(context.Background())
	require.NoError(t, err)
	rec.Release()

	r.Close()
	r.Close()
	assert.Equal(t, StateAbandoned, r.State())
	assert.Equal(t, int32(1), rel.n.Load())
	assert.Equal(t, int32(1), src.closed.Load())
}

func TestResponder_CloseBeforeStart(t *testing.T) {
	r, _, rel := newResponder(t, []int{1}, nil)
	r.Close()
	assert.Equal(t, StateAbandoned, r.State())
	assert.Equal(t, int32(1), rel.n.Load())
}

func TestResponder_AbandonedByContext(t *testing.T) {
	r, _, rel := newResponder(t, []int{1, 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	rec, err := r.Next(ctx)
	require.NoError(t, err)
	rec.Release()

	cancel()
	_, err = r.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateAbandoned, r.State())
	assert.Equal(t, int32(1), rel.n.Load())
}

func TestResponder_SourceErrorAfterCancelIsAbandonment(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	src := &cancellingSource{fakeSource: newFakeSource(alloc, nil, context.Canceled), cancel: cancel}
	rel := &countingReleaser{}
	r := New(src, rel)

	_, err := r.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateAbandoned, r.State())
	assert.Equal(t, int32(1), rel.n.Load())
}

// cancellingSource cancels the request context while the engine is reading,
// the way a client disconnect does.
type cancellingSource struct {
	*fakeSource
	cancel context.CancelFunc
}

func (s *cancellingSource) Next() bool {
	s.cancel()
	return s.fakeSource.Next()
}

func TestResponder_OnFinish(t *testing.T) {
	var got []State
	src := newFakeSource(memory.NewGoAllocator(), nil, nil)
	r := New(src, &countingReleaser{}, WithOnFinish(func(s State, _ *Responder) { got = append(got, s) }))

	_, err := r.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
	r.Close()
	assert.Equal(t, []State{StateDone}, got)
}

func TestResponder_Pump(t *testing.T) {
	t.Run("delivers_all_batches", func(t *testing.T) {
		r, _, rel := newResponder(t, []int{4, 4, 2}, nil)
		ch := make(chan flight.StreamChunk)
		go r.Pump(context.Background(), ch)

		var rows int64
		for chunk := range ch {
			require.NoError(t, chunk.Err)
			rows += chunk.Data.NumRows()
			chunk.Data.Release()
		}
		assert.Equal(t, int64(10), rows)
		assert.Equal(t, StateDone, r.State())
		assert.Equal(t, int32(1), rel.n.Load())
	})

	t.Run("sends_failure_last", func(t *testing.T) {
		boom := errors.New("stream broke")
		r, _, rel := newResponder(t, []int{1}, boom)
		ch := make(chan flight.StreamChunk)
		go r.Pump(context.Background(), ch)

		var chunks []flight.StreamChunk
		for chunk := range ch {
			chunks = append(chunks, chunk)
		}
		require.Len(t, chunks, 2)
		chunks[0].Data.Release()
		assert.ErrorIs(t, chunks[1].Err, boom)
		assert.Equal(t, StateFailed, r.State())
		assert.Equal(t, int32(1), rel.n.Load())
	})

	t.Run("consumer_disconnects", func(t *testing.T) {
		r, _, rel := newResponder(t, []int{1, 1, 1, 1}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		ch := make(chan flight.StreamChunk)
		done := make(chan struct{})
		go func() {
			r.Pump(ctx, ch)
			close(done)
		}()

		first := <-ch
		first.Data.Release()
		// Stop reading; the pump is now blocked on a send.
		cancel()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("pump did not exit after cancellation")
		}
		assert.Equal(t, StateAbandoned, r.State())
		assert.Equal(t, int32(1), rel.n.Load())

		_, open := <-ch
		assert.False(t, open)
	})
}

func TestResponder_WriteTo(t *testing.T) {
	r, _, rel := newResponder(t, []int{2, 2}, nil)
	var rows int64
	err := r.WriteTo(context.Background(), func(rec arrow.RecordBatch) error {
		rows += rec.NumRows()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), rows)
	assert.Equal(t, int32(1), rel.n.Load())

	writeErr := errors.New("client gone")
	r, _, rel = newResponder(t, []int{2, 2}, nil)
	err = r.WriteTo(context.Background(), func(arrow.RecordBatch) error { return writeErr })
	require.ErrorIs(t, err, writeErr)
	assert.Equal(t, StateAbandoned, r.State())
	assert.Equal(t, int32(1), rel.n.Load())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.True(t, StateAbandoned.Terminal())
	assert.False(t, StateStreaming.Terminal())
}
