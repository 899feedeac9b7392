package main

import (
	"bytes"
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocr-server/internal/storage"
)

type fixedStats struct {
	stats map[string]interface{}
	err   error
}

func (f fixedStats) Stats(ctx context.Context) (map[string]interface{}, error) {
	return f.stats, f.err
}

func TestPrintStats(t *testing.T) {
	var out bytes.Buffer
	err := printStats(context.Background(), &out, fixedStats{stats: map[string]interface{}{
		"redis": map[string]int64{"completed": 4, "failed": 1},
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"redis":{"completed":4,"failed":1}}`, out.String())

	out.Reset()
	err = printStats(context.Background(), &out, fixedStats{err: stderrors.New("connection refused")})
	assert.ErrorContains(t, err, "connection refused")
	assert.Empty(t, out.String())
}

func TestPrintStats_ManagerWithoutStores(t *testing.T) {
	store, err := storage.NewManager(&storage.ManagerConfig{})
	require.NoError(t, err)
	defer store.Close()

	var out bytes.Buffer
	require.NoError(t, printStats(context.Background(), &out, store))
	assert.JSONEq(t, `{}`, out.String())
}
