package processor

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) interface{} {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v interface{}
	require.NoError(t, dec.Decode(&v))
	return v
}

func TestNormalize_Shapes(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantShape string
		wantTexts []string
	}{
		{
			name:      "rec arrays",
			payload:   `{"rec_texts":["Hello","World"],"rec_polys":[[[0,0],[10,0],[10,5],[0,5]],[[20,0],[30,0],[30,5],[20,5]]],"rec_scores":[0.9,0.8]}`,
			wantShape: ShapeParallelArrays,
			wantTexts: []string{"Hello", "World"},
		},
		{
			name:      "nested under res",
			payload:   `[{"res":{"rec_texts":["A"],"dt_polys":[[0,0,10,0,10,5,0,5]],"rec_scores":[0.5]}}]`,
			wantShape: ShapeParallelArrays,
			wantTexts: []string{"A"},
		},
		{
			name:      "shortest array wins",
			payload:   `{"txts":["a","b","c"],"boxes":[[[0,0],[1,0],[1,1],[0,1]],[[0,0],[1,0],[1,1],[0,1]]],"scores":[1,1,1]}`,
			wantShape: ShapeParallelArrays,
			wantTexts: []string{"a", "b"},
		},
		{
			name:      "positional triple",
			payload:   `[[[[0,0],[4,0],[4,2],[0,2]]],["xy"],[0.7]]`,
			wantShape: ShapePositionalTriple,
			wantTexts: []string{"xy"},
		},
		{
			name:      "line list",
			payload:   `[[[[0,0],[4,0],[4,2],[0,2]],["one",0.9]],[[[5,0],[9,0],[9,2],[5,2]],["two",0.8]]]`,
			wantShape: ShapeLineList,
			wantTexts: []string{"one", "two"},
		},
		{
			name:      "page wrapped line list",
			payload:   `[[[[[0,0],[4,0],[4,2],[0,2]],["p1",0.9]]],[[[[0,0],[4,0],[4,2],[0,2]],"p2",0.6]]]`,
			wantShape: ShapeLineList,
			wantTexts: []string{"p1", "p2"},
		},
		{
			name:      "page wrapped line list with trailing empty pages",
			payload:   `[[[[[0,0],[4,0],[4,2],[0,2]],["only",0.9]]],[],[]]`,
			wantShape: ShapeLineList,
			wantTexts: []string{"only"},
		},
		{
			name:      "empty positional triple",
			payload:   `[[],[],[]]`,
			wantShape: ShapePositionalTriple,
			wantTexts: []string{},
		},
		{
			name:      "unrecognized",
			payload:   `{"foo":"bar"}`,
			wantShape: ShapeUnrecognized,
			wantTexts: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets, report := Normalize(&RawResult{Engine: "test", Payload: decode(t, tt.payload), Scale: 1})
			assert.Equal(t, tt.wantShape, report.Shape)

			texts := make([]string, 0, len(dets))
			for _, d := range dets {
				texts = append(texts, d.Text)
			}
			assert.Equal(t, tt.wantTexts, texts)
		})
	}
}

func TestNormalize_Columns(t *testing.T) {
	raw := &RawResult{
		Engine: "tesseract",
		Payload: Columns{
			Boxes:  [][]float64{{1, 2, 11, 2, 11, 12, 1, 12}},
			Texts:  []string{"word"},
			Scores: []float64{1.7},
		},
	}

	dets, report := Normalize(raw)
	require.Len(t, dets, 1)
	assert.Equal(t, ShapeColumns, report.Shape)
	assert.Equal(t, Quad{{1, 2}, {11, 2}, {11, 12}, {1, 12}}, dets[0].Quad)
	assert.Equal(t, 1.0, dets[0].Confidence)
}

func TestNormalize_ScaleCorrection(t *testing.T) {
	payload := decode(t, `{"rec_texts":["wide"],"rec_polys":[[[0,0],[200,0],[200,60],[0,60]]],"rec_scores":[0.95]}`)

	dets, _ := Normalize(&RawResult{Engine: "easyocr", Payload: payload, Scale: 2.0})
	require.Len(t, dets, 1)
	assert.Equal(t, Quad{{0, 0}, {100, 0}, {100, 30}, {0, 30}}, dets[0].Quad)
}

func TestNormalize_MalformedPolygonFallback(t *testing.T) {
	payload := decode(t, `{
		"rec_texts":["bad","good"],
		"rec_polys":[[[0,0],[10,0],[10,10]],[[40,40],[80,40],[80,60],[40,60]]],
		"rec_scores":[0.4,0.6]
	}`)

	dets, report := Normalize(&RawResult{Engine: "paddleocr", Payload: payload, Scale: 2.0})
	require.Len(t, dets, 2)
	assert.Equal(t, 1, report.Substituted)

	assert.Equal(t, DefaultQuad, dets[0].Quad)
	assert.Equal(t, "bad", dets[0].Text)

	assert.Equal(t, Quad{{20, 20}, {40, 20}, {40, 30}, {20, 30}}, dets[1].Quad)
	assert.Equal(t, "good", dets[1].Text)
}

func TestNormalize_NilAndEmpty(t *testing.T) {
	dets, report := Normalize(nil)
	assert.NotNil(t, dets)
	assert.Empty(t, dets)
	assert.Equal(t, ShapeUnrecognized, report.Shape)

	dets, report = Normalize(&RawResult{Payload: decode(t, `[]`)})
	assert.Empty(t, dets)
	assert.Equal(t, ShapeUnrecognized, report.Shape)
}

func TestToQuad(t *testing.T) {
	q, err := toQuad([]interface{}{int64(1), float32(2), 3, json.Number("4"), 5.0, 6.0, 7.0, 8.0})
	require.NoError(t, err)
	assert.Equal(t, Quad{{1, 2}, {3, 4}, {5, 6}, {7, 8}}, q)

	_, err = toQuad([]interface{}{[]interface{}{"x", 1.0}, []interface{}{1.0, 1.0}, []interface{}{1.0, 1.0}, []interface{}{1.0, 1.0}})
	assert.Error(t, err)

	_, err = toQuad("nope")
	assert.Error(t, err)
}

func TestToConfidence(t *testing.T) {
	assert.Equal(t, 0.0, toConfidence(-0.3))
	assert.Equal(t, 1.0, toConfidence(json.Number("3")))
	assert.Equal(t, 0.25, toConfidence(0.25))
	assert.Equal(t, 0.0, toConfidence("bogus"))
}
