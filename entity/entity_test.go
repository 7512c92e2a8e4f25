package entity

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/crazyfrankie/zhttp/message"
)

// sink is a DataStreamChannel with a fixed budget per Produce call.
type sink struct {
	mu       sync.Mutex
	budget   int
	perCall  int
	data     []byte
	ended    bool
	trailers message.Header
	wake     chan struct{}
}

func newSink(perCall int) *sink {
	return &sink{perCall: perCall, budget: perCall, wake: make(chan struct{}, 1)}
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return 0, ErrStreamEnded
	}
	n := min(len(p), s.budget)
	s.budget -= n
	s.data = append(s.data, p[:n]...)
	return n, nil
}

func (s *sink) RequestOutput() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *sink) EndStream(trailers message.Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrStreamEnded
	}
	s.ended = true
	s.trailers = trailers
	return nil
}

func (s *sink) refill() {
	s.mu.Lock()
	s.budget = s.perCall
	s.mu.Unlock()
}

func (s *sink) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// drive calls Produce until the stream ends, refilling the budget each
// round and waiting for RequestOutput when the producer stalls.
func drive(t *testing.T, p Producer, s *sink) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !s.isEnded() {
		before := len(s.data)
		require.NoError(t, p.Produce(s))
		s.refill()
		if len(s.data) == before && !s.isEnded() {
			select {
			case <-s.wake:
			case <-time.After(10 * time.Millisecond):
			case <-deadline:
				t.Fatal("producer stalled")
			}
		}
	}
}

// feed delivers body to c in pieces, honouring the capacity it grants.
type window struct{ n int }

func (w *window) Update(inc int) error {
	w.n += inc
	return nil
}

func feed(t *testing.T, c Consumer, body []byte, piece int) {
	t.Helper()
	w := &window{}
	require.NoError(t, c.UpdateCapacity(w))
	for len(body) > 0 {
		n := min(piece, len(body), w.n)
		require.Positive(t, n, "consumer granted no capacity")
		w.n -= n
		require.NoError(t, c.Consume(body[:n]))
		body = body[n:]
	}
	require.NoError(t, c.StreamEnd(nil))
}

func TestBytesProducerPartialWrites(t *testing.T) {
	body := []byte(strings.Repeat("abcdef", 1000))
	p := NewBytesProducer(body, OctetStream)
	assert.Equal(t, int64(len(body)), p.ContentLength())
	assert.True(t, p.IsRepeatable())

	s := newSink(333)
	drive(t, p, s)
	assert.Equal(t, body, s.data)
	assert.Zero(t, p.Available())

	// a second run after Release emits the same bytes
	p.Release()
	s2 := newSink(4096)
	drive(t, p, s2)
	assert.Equal(t, body, s2.data)
}

func TestBytesProducerChunkedAndFailed(t *testing.T) {
	p := NewStringProducer("hello").Chunked()
	assert.Equal(t, int64(-1), p.ContentLength())
	assert.True(t, p.IsChunked())

	boom := errors.New("boom")
	p.Failed(boom)
	p.Failed(errors.New("second"))
	assert.ErrorIs(t, p.Failure(), boom)

	s := newSink(10)
	require.NoError(t, p.Produce(s))
	assert.Empty(t, s.data)
	assert.False(t, s.isEnded())
}

func TestZeroLengthBody(t *testing.T) {
	p := NewBytesProducer(nil, OctetStream)
	s := newSink(10)
	drive(t, p, s)
	assert.Empty(t, s.data)
	assert.True(t, s.isEnded())

	c := NewBytesConsumer(0)
	require.NoError(t, c.StreamStart(Info{Length: 0}))
	feed(t, c, nil, 1)
	assert.Empty(t, c.Content())
}

func TestChanProducer(t *testing.T) {
	src := make(chan []byte)
	p := NewChanProducer(src, TextPlain)
	assert.False(t, p.IsRepeatable())
	assert.Equal(t, -1, p.Available())

	go func() {
		for _, part := range []string{"one ", "two ", "three"} {
			src <- []byte(part)
			time.Sleep(time.Millisecond)
		}
		close(src)
	}()

	s := newSink(3)
	drive(t, p, s)
	assert.Equal(t, "one two three", string(s.data))
	p.Release()
	p.Release()
}

func TestBytesConsumerLimit(t *testing.T) {
	c := NewBytesConsumer(4)
	assert.ErrorIs(t, c.StreamStart(Info{Length: 5}), ErrContentTooLarge)

	c = NewBytesConsumer(4)
	require.NoError(t, c.StreamStart(Info{Length: -1, Chunked: true}))
	require.NoError(t, c.UpdateCapacity(&window{}))
	require.NoError(t, c.Consume([]byte("abc")))
	assert.ErrorIs(t, c.Consume([]byte("de")), ErrContentTooLarge)
}

func TestBytesConsumerWindow(t *testing.T) {
	c := NewBytesConsumer(0).WithWindow(16)
	w := &window{}
	require.NoError(t, c.UpdateCapacity(w))
	assert.Equal(t, 16, w.n)

	// each consumed byte is granted back
	require.NoError(t, c.Consume(make([]byte, 10)))
	assert.Equal(t, 26, w.n)
}

func TestStringAndDiscardingConsumers(t *testing.T) {
	sc := NewStringConsumer(0)
	require.NoError(t, sc.StreamStart(Info{Length: -1}))
	feed(t, sc, []byte("hello world"), 4)
	assert.Equal(t, "hello world", sc.Content())

	dc := NewDiscardingConsumer()
	feed(t, dc, make([]byte, 1000), 100)
	assert.Equal(t, int64(1000), dc.Content())
}

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestJSONRoundTrip(t *testing.T) {
	p, err := NewJSONProducer(point{X: 1, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, ApplicationJSON, p.ContentType())
	s := newSink(5)
	drive(t, p, s)

	c := NewJSONConsumer[point](0)
	require.NoError(t, c.StreamStart(p))
	feed(t, c, s.data, 3)
	assert.Equal(t, point{X: 1, Y: 2}, c.Content())

	bad := NewJSONConsumer[point](0)
	require.NoError(t, bad.StreamStart(Info{Length: -1}))
	w := &window{}
	require.NoError(t, bad.UpdateCapacity(w))
	require.NoError(t, bad.Consume([]byte("{nope")))
	assert.Error(t, bad.StreamEnd(nil))
}

func TestProtoRoundTrip(t *testing.T) {
	p, err := NewProtoProducer(wrapperspb.String("zhttp"))
	require.NoError(t, err)
	s := newSink(2)
	drive(t, p, s)

	c := NewProtoConsumer(func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }, 0)
	require.NoError(t, c.StreamStart(p))
	feed(t, c, s.data, 1)
	assert.Equal(t, "zhttp", c.Content().GetValue())
}

func TestGzipRoundTrip(t *testing.T) {
	body := strings.Repeat("compress me please ", 2000)
	p := NewGzipProducer(NewStringProducer(body))
	assert.Equal(t, "gzip", p.ContentEncoding())
	assert.Equal(t, int64(-1), p.ContentLength())

	c0, _, _ := GzipStats()
	s := newSink(512)
	drive(t, p, s)
	assert.Less(t, len(s.data), len(body))
	c1, _, _ := GzipStats()
	assert.Greater(t, c1, c0)

	c := NewGzipConsumer[string](NewStringConsumer(0))
	require.NoError(t, c.StreamStart(Info{Length: -1, Encoding: "gzip", Type: TextPlain}))
	feed(t, c, s.data, 100)
	assert.Equal(t, body, c.Content())

	// repeatable after Release
	p.Release()
	s2 := newSink(4096)
	drive(t, p, s2)
	assert.Equal(t, s.data, s2.data)
}

func TestGzipConsumerPassesPlainBodies(t *testing.T) {
	c := NewGzipConsumer[string](NewStringConsumer(0))
	require.NoError(t, c.StreamStart(Info{Length: 5}))
	feed(t, c, []byte("plain"), 5)
	assert.Equal(t, "plain", c.Content())
}

func TestDetailsOf(t *testing.T) {
	info := DetailsOf(NewStringProducer("abc"))
	assert.Equal(t, int64(3), info.ContentLength())
	assert.Equal(t, TextPlain, info.ContentType())
	assert.False(t, info.IsChunked())
	assert.True(t, Info{Length: -1}.IsChunked())
}
