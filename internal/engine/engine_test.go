package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocr-server/internal/processor"
)

type fakeBackend struct {
	code     string
	closed   atomic.Bool
	inflight *atomic.Int32
	maxSeen  *atomic.Int32
	delay    time.Duration
}

func (f *fakeBackend) Recognize(ctx context.Context, imagePath string) (interface{}, error) {
	if f.closed.Load() {
		return nil, errors.New("backend used after close")
	}
	if f.inflight != nil {
		n := f.inflight.Add(1)
		defer f.inflight.Add(-1)
		for {
			m := f.maxSeen.Load()
			if n <= m || f.maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
	}
	time.Sleep(f.delay)
	return map[string]interface{}{"lang": f.code}, nil
}

func (f *fakeBackend) Close() error {
	f.closed.Store(true)
	return nil
}

type countingLoader struct {
	mu     sync.Mutex
	loads  []string
	delay  time.Duration
	failOn string
}

func (c *countingLoader) load(ctx context.Context, code string) (Backend, error) {
	time.Sleep(c.delay)
	c.mu.Lock()
	defer c.mu.Unlock()
	if code == c.failOn {
		return nil, errors.New("no traineddata")
	}
	c.loads = append(c.loads, code)
	return &fakeBackend{code: code}, nil
}

func (c *countingLoader) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.loads)
}

func newTestEngine(t *testing.T, l *countingLoader) *Engine {
	t.Helper()
	e, err := New(Options{
		Name:      "EasyOCR",
		Loader:    l.load,
		Languages: EasyOCRLanguages,
	})
	require.NoError(t, err)
	return e
}

func TestEngine_MemoizesLanguage(t *testing.T) {
	l := &countingLoader{}
	e := newTestEngine(t, l)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		h, err := e.EnsureReady(ctx, "japan")
		require.NoError(t, err)
		assert.Equal(t, "ja", h.Language)
		e.Release(h)
	}
	assert.Equal(t, int64(1), e.State().Inits())
	assert.Equal(t, 1, l.count())

	h, err := e.EnsureReady(ctx, "english")
	require.NoError(t, err)
	e.Release(h)
	assert.Equal(t, int64(2), e.State().Inits())

	code, ok := e.State().Language()
	assert.True(t, ok)
	assert.Equal(t, "en", code)
}

func TestEngine_ConcurrentSameLanguageLoadsOnce(t *testing.T) {
	l := &countingLoader{delay: 20 * time.Millisecond}
	e := newTestEngine(t, l)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := e.EnsureReady(context.Background(), "korean")
			if assert.NoError(t, err) {
				e.Release(h)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, l.count())
	assert.Equal(t, int64(1), e.State().Inits())
}

func TestEngine_ReloadWaitsForInFlightInference(t *testing.T) {
	l := &countingLoader{}
	e := newTestEngine(t, l)
	ctx := context.Background()

	h, err := e.EnsureReady(ctx, "english")
	require.NoError(t, err)
	first := h.Backend.(*fakeBackend)

	switched := make(chan struct{})
	go func() {
		h2, err := e.EnsureReady(ctx, "japan")
		if assert.NoError(t, err) {
			e.Release(h2)
		}
		close(switched)
	}()

	select {
	case <-switched:
		t.Fatal("language switch must wait for the outstanding handle")
	case <-time.After(50 * time.Millisecond):
	}

	raw, err := e.Infer(ctx, h, "img.png")
	require.NoError(t, err)
	assert.Equal(t, "easyocr", raw.Engine)
	assert.False(t, first.closed.Load())

	e.Release(h)
	<-switched
	assert.True(t, first.closed.Load())
	assert.Equal(t, []string{"en", "ja"}, l.loads)
}

func TestEngine_AlternatingLanguagesMakeProgress(t *testing.T) {
	l := &countingLoader{}
	e := newTestEngine(t, l)

	var wg sync.WaitGroup
	for _, lang := range []string{"english", "japan", "english", "korean", "japan"} {
		wg.Add(1)
		go func(lang string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				h, err := e.EnsureReady(context.Background(), lang)
				if !assert.NoError(t, err) {
					return
				}
				raw, err := e.Infer(context.Background(), h, "img.png")
				assert.NoError(t, err)
				assert.Equal(t, e.LanguageCode(lang), raw.Payload.(map[string]interface{})["lang"])
				e.Release(h)
			}
		}(lang)
	}
	wg.Wait()
}

func TestEngine_CancelledWaiterGivesUp(t *testing.T) {
	l := &countingLoader{}
	e := newTestEngine(t, l)

	h, err := e.EnsureReady(context.Background(), "english")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = e.Warmup(ctx, "japan")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// The abandoned switch must not block the loaded language.
	h2, err := e.EnsureReady(context.Background(), "english")
	require.NoError(t, err)
	e.Release(h2)
	e.Release(h)

	h3, err := e.EnsureReady(context.Background(), "japan")
	require.NoError(t, err)
	e.Release(h3)
	assert.Equal(t, []string{"en", "ja"}, l.loads)
}

func TestEngine_LoadFailure(t *testing.T) {
	l := &countingLoader{failOn: "vi"}
	e := newTestEngine(t, l)

	_, err := e.EnsureReady(context.Background(), "vietnamese")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no traineddata")

	_, ok := e.State().Language()
	assert.False(t, ok)

	require.NoError(t, e.Warmup(context.Background(), "english"))
	assert.Equal(t, int64(1), e.State().Inits())
}

func TestEngine_SerializeInference(t *testing.T) {
	var inflight, maxSeen atomic.Int32
	e, err := New(Options{
		Name: "tesseract",
		Loader: func(ctx context.Context, code string) (Backend, error) {
			return &fakeBackend{code: code, inflight: &inflight, maxSeen: &maxSeen, delay: 5 * time.Millisecond}, nil
		},
		Serialize: true,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := e.EnsureReady(context.Background(), "eng")
			require.NoError(t, err)
			defer e.Release(h)
			_, err = e.Infer(context.Background(), h, "img.png")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestEngine_InvalidHandle(t *testing.T) {
	e := newTestEngine(t, &countingLoader{})
	_, err := e.Infer(context.Background(), nil, "img.png")
	assert.Error(t, err)
	_, err = e.Infer(context.Background(), &processor.Handle{Backend: "nope"}, "img.png")
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Name: "x"})
	assert.Error(t, err)
}

func TestEngine_Close(t *testing.T) {
	e := newTestEngine(t, &countingLoader{})
	h, err := e.EnsureReady(context.Background(), "english")
	require.NoError(t, err)
	b := h.Backend.(*fakeBackend)
	e.Release(h)

	require.NoError(t, e.Close())
	assert.True(t, b.closed.Load())
	_, ok := e.State().Language()
	assert.False(t, ok)
}
