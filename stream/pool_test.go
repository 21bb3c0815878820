package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
)

func TestPool(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid sizes rejected", func(t *testing.T) {
		_, err := NewPool(0, 16)
		assert.Error(t, err)
		_, err = NewPool(2, 0)
		assert.Error(t, err)
	})

	t.Run("acquire blocks at capacity", func(t *testing.T) {
		p, err := NewPool(2, 16)
		assert.NoError(t, err)

		a, err := p.Acquire(ctx)
		assert.NoError(t, err)
		b, err := p.Acquire(ctx)
		assert.NoError(t, err)

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = p.Acquire(short)
		assert.IsError(t, err, context.DeadlineExceeded)

		p.Release(a)
		c, err := p.Acquire(ctx)
		assert.NoError(t, err)

		p.Release(b)
		p.Release(c)
	})

	t.Run("population constant under concurrent churn", func(t *testing.T) {
		const capacity = 3
		p, err := NewPool(capacity, 8)
		assert.NoError(t, err)

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					buf, err := p.Acquire(ctx)
					if err != nil {
						return
					}
					buf[0] = byte(i)
					p.Release(buf)
				}
			}()
		}
		wg.Wait()

		// Every buffer is back; draining yields exactly the population.
		for i := 0; i < capacity; i++ {
			_, err := p.Acquire(ctx)
			assert.NoError(t, err)
		}
		short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err = p.Acquire(short)
		assert.IsError(t, err, context.DeadlineExceeded)
	})
}

func TestWireRoundTrip(t *testing.T) {
	t.Run("image leader", func(t *testing.T) {
		l := Leader{
			BlockID:     42,
			Type:        PayloadImage,
			PayloadSize: 512,
			Timestamp:   1500 * time.Millisecond,
			Info: &ImageInfo{
				PixelFormat: 0x01080001,
				Width:       32,
				Height:      16,
				XOffset:     2,
				YOffset:     4,
				XPadding:    1,
			},
		}
		parsed, err := ParseLeader(DefaultLeaderMagic, EncodeLeader(DefaultLeaderMagic, l))
		assert.NoError(t, err)
		assert.Equal(t, l, parsed)
	})

	t.Run("chunk leader has no image info", func(t *testing.T) {
		l := Leader{BlockID: 7, Type: PayloadChunk, PayloadSize: 64, Timestamp: time.Second}
		parsed, err := ParseLeader(DefaultLeaderMagic, EncodeLeader(DefaultLeaderMagic, l))
		assert.NoError(t, err)
		assert.Equal(t, l, parsed)
		assert.Zero(t, parsed.Info)
	})

	t.Run("trailer", func(t *testing.T) {
		tr := Trailer{BlockID: 42, Status: PayloadStatusDataDiscarded, ValidPayloadSize: 100, ActualHeight: 15}
		parsed, err := ParseTrailer(DefaultTrailerMagic, EncodeTrailer(DefaultTrailerMagic, tr))
		assert.NoError(t, err)
		assert.Equal(t, tr, parsed)
	})

	t.Run("wrong magic rejected", func(t *testing.T) {
		l := Leader{BlockID: 1, Type: PayloadImage, PayloadSize: 8}
		_, err := ParseLeader(0x11111111, EncodeLeader(DefaultLeaderMagic, l))
		assert.Error(t, err)

		_, err = ParseTrailer(0x22222222, EncodeTrailer(DefaultTrailerMagic, Trailer{BlockID: 1}))
		assert.Error(t, err)
	})

	t.Run("unknown payload type rejected", func(t *testing.T) {
		buf := EncodeLeader(DefaultLeaderMagic, Leader{BlockID: 1, Type: PayloadChunk, PayloadSize: 8})
		buf[18] = 0xEE
		buf[19] = 0xEE
		_, err := ParseLeader(DefaultLeaderMagic, buf)
		assert.Error(t, err)
	})
}
