package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/squarejellyfish/ntuber/internal/models"
	"github.com/squarejellyfish/ntuber/internal/relay"
)

// fakePublisher implements relay.Publisher for tests
type fakePublisher struct {
	fail  int // number of times to fail before succeeding
	err   error
	calls int
	got   []models.Sample
}

func (f *fakePublisher) Publish(ctx context.Context, s models.Sample) error {
	f.calls++
	if f.calls <= f.fail {
		if f.err != nil {
			return f.err
		}
		return errors.New("redis fail")
	}
	f.got = append(f.got, s)
	return nil
}

func sample() models.Sample {
	return models.Sample{RideID: 7, Lat: 25.0174, Lng: 121.5397, Publisher: "0xBBB", At: time.Now()}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakePublisher{fail: 2}
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), f, sample(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 || len(f.got) != 1 {
		t.Fatalf("expected retries, got calls=%d published=%d", f.calls, len(f.got))
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakePublisher{fail: 5}
	if err := updateRedisWithRetry(context.Background(), f, sample(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestUpdateRedisWithRetry_ForeignWriterNotRetried(t *testing.T) {
	f := &fakePublisher{fail: 5, err: relay.ErrForeignPublisher}
	err := updateRedisWithRetry(context.Background(), f, sample(), 3, 5*time.Millisecond)
	if !errors.Is(err, relay.ErrForeignPublisher) || f.calls != 1 {
		t.Fatalf("expected a single foreign writer failure, got err=%v calls=%d", err, f.calls)
	}
}

func TestDecodeSample(t *testing.T) {
	if _, err := decodeSample([]byte(`{"ride_id":7,"lat":25.01,"lng":121.53,"publisher":"0xBBB"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, body := range []string{`not json`, `{"ride_id":0,"publisher":"0xBBB"}`, `{"ride_id":7,"lat":95,"lng":0,"publisher":"0xBBB"}`, `{"ride_id":7}`} {
		if _, err := decodeSample([]byte(body)); err == nil {
			t.Errorf("expected %s to be rejected", body)
		}
	}
}

type fakeReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		f.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func TestConsumeFoldsSamplesIntoChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := relay.NewMemoryChannel(true, slog.Default())
	r := &fakeReader{cancel: cancel, msgs: []kafka.Message{
		{Value: []byte(`{"ride_id":7,"lat":25.01,"lng":121.53,"publisher":"0xBBB"}`)},
		{Value: []byte(`garbage`)},
		{Value: []byte(`{"ride_id":7,"lat":25.99,"lng":121.99,"publisher":"0xEVE"}`)},
		{Value: []byte(`{"ride_id":7,"lat":25.02,"lng":121.54,"publisher":"0xBBB"}`)},
	}}

	consume(ctx, r, ch, slog.Default())

	got, ok, err := ch.Latest(context.Background(), 7)
	if err != nil || !ok {
		t.Fatalf("expected a sample, got ok=%v err=%v", ok, err)
	}
	if got.Lat != 25.02 || got.Publisher != "0xBBB" {
		t.Fatalf("unexpected latest sample %+v", got)
	}
}
