package framestream

import (
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func solid(t *testing.T, v float64) gocv.Mat {
	t.Helper()
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, v, v, 0), 4, 4, gocv.MatTypeCV8UC3)
}

func TestReadBeforePublish(t *testing.T) {
	p := NewPublisher()
	m, _, ok := p.Read()
	defer m.Close()
	assert.False(t, ok)

	_, ok = p.Latest()
	assert.False(t, ok)
}

func TestLastWriteWins(t *testing.T) {
	p := NewPublisher()
	defer p.Clear()

	a := solid(t, 10)
	b := solid(t, 200)
	defer a.Close()
	defer b.Close()

	p.Publish(a)
	p.Publish(b)

	got, meta, ok := p.Read()
	require.True(t, ok)
	defer got.Close()

	assert.Equal(t, uint8(200), got.GetUCharAt(0, 0))
	assert.Equal(t, int64(2), meta.Sequence)
	assert.Equal(t, 4, meta.Width)

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Published)
	assert.Equal(t, int64(1), stats.OverwrittenUnread)
	assert.Equal(t, int64(1), stats.Reads)
}

func TestPublishCopiesInput(t *testing.T) {
	p := NewPublisher()
	defer p.Clear()

	src := solid(t, 50)
	p.Publish(src)
	// mutate and release the caller's Mat; the slot must be unaffected
	src.SetUCharAt(0, 0, 1)
	src.Close()

	got, _, ok := p.Read()
	require.True(t, ok)
	defer got.Close()
	assert.Equal(t, uint8(50), got.GetUCharAt(0, 0))
}

func TestReadReturnsIndependentClone(t *testing.T) {
	p := NewPublisher()
	defer p.Clear()

	src := solid(t, 80)
	defer src.Close()
	p.Publish(src)

	first, _, _ := p.Read()
	first.SetUCharAt(0, 0, 3)
	first.Close()

	second, _, _ := p.Read()
	defer second.Close()
	assert.Equal(t, uint8(80), second.GetUCharAt(0, 0))
}

func TestPublishIgnoresEmpty(t *testing.T) {
	p := NewPublisher()
	empty := gocv.NewMat()
	defer empty.Close()

	p.Publish(empty)
	assert.Equal(t, int64(0), p.Sequence())
}

func TestReadJPEGOnlyNewFrames(t *testing.T) {
	p := NewPublisher()
	defer p.Clear()

	_, _, ok, err := p.ReadJPEG(0)
	require.NoError(t, err)
	assert.False(t, ok)

	src := solid(t, 120)
	defer src.Close()
	p.Publish(src)

	data, meta, ok, err := p.ReadJPEG(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2], "JPEG SOI marker")

	_, _, ok, err = p.ReadJPEG(meta.Sequence)
	require.NoError(t, err)
	assert.False(t, ok, "same frame is not re-sent")
}

func TestClear(t *testing.T) {
	p := NewPublisher()
	src := solid(t, 1)
	defer src.Close()
	p.Publish(src)
	p.Clear()

	m, _, ok := p.Read()
	defer m.Close()
	assert.False(t, ok)
}

func TestConcurrentPublishRead(t *testing.T) {
	p := NewPublisher()
	defer p.Clear()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(i%256), 0, 0, 0), 8, 8, gocv.MatTypeCV8UC3)
			p.Publish(m)
			m.Close()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			m, _, ok := p.Read()
			if ok {
				assert.Equal(t, image.Pt(8, 8), image.Pt(m.Cols(), m.Rows()))
			}
			m.Close()
		}
	}()
	wg.Wait()

	assert.Equal(t, int64(200), p.Sequence())
}
