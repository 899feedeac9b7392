package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSidecar struct {
	mu       sync.Mutex
	inits    []string
	releases int
	payload  interface{}
}

func (f *fakeSidecar) Init(ctx context.Context, engine, lang string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, engine+":"+lang)
	return nil
}

func (f *fakeSidecar) Infer(ctx context.Context, engine, lang, imagePath string) (interface{}, error) {
	return f.payload, nil
}

func (f *fakeSidecar) Release(ctx context.Context, engine string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func TestBridgeEngine_RoundTrip(t *testing.T) {
	sidecar := &fakeSidecar{payload: []interface{}{"raw"}}
	var initialized []string
	e, err := NewBridgeEngine(sidecar, PaddleOCR, func(engine, code string, took time.Duration) {
		initialized = append(initialized, engine+"/"+code)
	})
	require.NoError(t, err)

	ctx := context.Background()
	h, err := e.EnsureReady(ctx, "ch_tra")
	require.NoError(t, err)
	raw, err := e.Infer(ctx, h, "/tmp/img.png")
	require.NoError(t, err)
	e.Release(h)

	assert.Equal(t, "paddleocr", raw.Engine)
	assert.Equal(t, []interface{}{"raw"}, raw.Payload)
	assert.Equal(t, []string{"paddleocr:chinese_cht"}, sidecar.inits)
	assert.Equal(t, []string{"paddleocr/chinese_cht"}, initialized)
	assert.Equal(t, 1, sidecar.releases)
}

func TestSidecarLanguages(t *testing.T) {
	tests := []struct {
		engine string
		lang   string
		want   string
	}{
		{EasyOCR, "japan", "ja"},
		{EasyOCR, "chinese", "ch_sim"},
		{PaddleOCR, "de", "german"},
		{PaddleOCR, "japan", "japan"},
		{RapidOCR, "ja", "CH"},
		{RapidOCR, "english", "LATIN"},
		{EasyOCR, "klingon", "klingon"},
	}
	for _, tt := range tests {
		t.Run(tt.engine+"/"+tt.lang, func(t *testing.T) {
			e, err := NewBridgeEngine(&fakeSidecar{}, tt.engine, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.LanguageCode(tt.lang))
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{RapidOCR, EasyOCR} {
		e, err := NewBridgeEngine(&fakeSidecar{}, name, nil)
		require.NoError(t, err)
		r.Register(e)
	}

	assert.Equal(t, []string{"easyocr", "rapidocr"}, r.Names())

	a, err := r.Resolve(" EasyOCR ")
	require.NoError(t, err)
	assert.Equal(t, "easyocr", a.Name())

	_, err = r.Resolve("paddleocr")
	assert.Error(t, err)

	require.NoError(t, r.Warmup(context.Background(), "rapidocr", "english"))
	e, _ := r.Get("rapidocr")
	assert.Equal(t, int64(1), e.State().Inits())
	assert.Error(t, r.Warmup(context.Background(), "nope", "english"))

	assert.NoError(t, r.Close())
}
