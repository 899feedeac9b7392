package processor

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/adverant/nexus/ocr-server/internal/errors"
	"github.com/adverant/nexus/ocr-server/internal/logging"
)

/**
 * Result Normalizer
 *
 * Engines disagree on output shape. Each known shape has one pure parser;
 * parsers run in a fixed order and the first match wins. A payload no
 * parser recognizes yields zero detections, never an error.
 */

// Shape names reported by Normalize
const (
	ShapeColumns          = "columns"
	ShapeParallelArrays   = "parallel_arrays"
	ShapePositionalTriple = "positional_triple"
	ShapeLineList         = "line_list"
	ShapeUnrecognized     = "unrecognized"
)

var (
	textKeys  = []string{"rec_texts", "txts", "texts", "text", "words"}
	polyKeys  = []string{"rec_polys", "dt_polys", "boxes", "box", "bboxes", "regions"}
	scoreKeys = []string{"rec_scores", "scores", "score", "confidences", "confidence"}
)

var normalizerLog = logging.NewLogger("Normalizer")

// rawEntry is one detection before geometry conversion
type rawEntry struct {
	text  interface{}
	poly  interface{}
	score interface{}
}

type shapeParser struct {
	name  string
	parse func(payload interface{}) ([]rawEntry, bool)
}

var shapeParsers = []shapeParser{
	{ShapeColumns, parseColumns},
	{ShapeParallelArrays, parseParallelArrays},
	{ShapePositionalTriple, parsePositionalTriple},
	{ShapeLineList, parseLineList},
}

// NormalizeReport describes how a payload was interpreted
type NormalizeReport struct {
	Shape       string
	Detections  int
	Substituted int
}

// Normalize converts a raw engine result into canonical detections
func Normalize(raw *RawResult) ([]Detection, NormalizeReport) {
	if raw == nil || raw.Payload == nil {
		return []Detection{}, NormalizeReport{Shape: ShapeUnrecognized}
	}

	scale := raw.Scale
	if scale <= 0 {
		scale = 1.0
	}

	for _, p := range shapeParsers {
		entries, ok := p.parse(raw.Payload)
		if !ok {
			continue
		}

		report := NormalizeReport{Shape: p.name}
		detections := make([]Detection, 0, len(entries))
		for i, e := range entries {
			quad, err := toQuad(e.poly)
			if err != nil {
				geomErr := errors.NewGeometryConversionError(i, err)
				normalizerLog.Warn("Substituting default rectangle",
					"engine", raw.Engine, "shape", p.name, "error", geomErr)
				quad = DefaultQuad
				report.Substituted++
			} else if scale != 1.0 {
				quad = quad.Scaled(1 / scale)
			}

			detections = append(detections, Detection{
				Quad:       quad,
				Text:       toText(e.text),
				Confidence: toConfidence(e.score),
			})
		}
		report.Detections = len(detections)
		return detections, report
	}

	normalizerLog.Warn("No OCR results were processed, result format not supported",
		"engine", raw.Engine, "payloadType", fmt.Sprintf("%T", raw.Payload))
	return []Detection{}, NormalizeReport{Shape: ShapeUnrecognized}
}

// Scaled multiplies every coordinate by f
func (q Quad) Scaled(f float64) Quad {
	var out Quad
	for i, p := range q {
		out[i] = Point{p[0] * f, p[1] * f}
	}
	return out
}

// parseColumns handles the attribute-object shape produced by in-process engines
func parseColumns(payload interface{}) ([]rawEntry, bool) {
	var c *Columns
	switch v := payload.(type) {
	case Columns:
		c = &v
	case *Columns:
		c = v
	default:
		return nil, false
	}
	if c == nil {
		return nil, false
	}

	n := minLen(len(c.Texts), len(c.Boxes))
	if c.Scores != nil {
		n = minLen(n, len(c.Scores))
	}
	entries := make([]rawEntry, 0, n)
	for i := 0; i < n; i++ {
		e := rawEntry{text: c.Texts[i], poly: c.Boxes[i], score: 0.0}
		if c.Scores != nil {
			e.score = c.Scores[i]
		}
		entries = append(entries, e)
	}
	return entries, true
}

// parseParallelArrays handles objects carrying texts/polys/scores arrays, a
// list of such objects, and either nested under "res"
func parseParallelArrays(payload interface{}) ([]rawEntry, bool) {
	switch v := payload.(type) {
	case map[string]interface{}:
		return parallelFromMap(v)
	case []interface{}:
		if len(v) == 0 {
			return nil, false
		}
		var all []rawEntry
		matched := false
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, false
			}
			entries, ok := parallelFromMap(m)
			if !ok {
				continue
			}
			matched = true
			all = append(all, entries...)
		}
		if !matched {
			return nil, false
		}
		if all == nil {
			all = []rawEntry{}
		}
		return all, true
	default:
		return nil, false
	}
}

func parallelFromMap(m map[string]interface{}) ([]rawEntry, bool) {
	texts, okT := firstList(m, textKeys)
	polys, okP := firstList(m, polyKeys)
	if okT && okP {
		scores, okS := firstList(m, scoreKeys)
		n := minLen(len(texts), len(polys))
		if okS {
			n = minLen(n, len(scores))
		}
		entries := make([]rawEntry, 0, n)
		for i := 0; i < n; i++ {
			e := rawEntry{text: texts[i], poly: polys[i], score: 0.0}
			if okS {
				e.score = scores[i]
			}
			entries = append(entries, e)
		}
		return entries, true
	}

	if res, ok := m["res"].(map[string]interface{}); ok {
		return parallelFromMap(res)
	}
	return nil, false
}

func firstList(m map[string]interface{}, keys []string) ([]interface{}, bool) {
	for _, k := range keys {
		if list, ok := m[k].([]interface{}); ok {
			return list, true
		}
	}
	return nil, false
}

// parsePositionalTriple handles [boxes, texts, scores]
func parsePositionalTriple(payload interface{}) ([]rawEntry, bool) {
	list, ok := payload.([]interface{})
	if !ok || len(list) != 3 {
		return nil, false
	}
	boxes, ok1 := list[0].([]interface{})
	texts, ok2 := list[1].([]interface{})
	scores, ok3 := list[2].([]interface{})
	if !ok1 || !ok2 || !ok3 {
		return nil, false
	}
	// A page-wrapped line list like [[line], [], []] also has three lists;
	// only real polygons make it a triple.
	for _, b := range boxes {
		if !looksLikePolygon(b) {
			return nil, false
		}
	}
	for _, t := range texts {
		if _, isStr := t.(string); !isStr {
			return nil, false
		}
	}
	for _, s := range scores {
		if _, isNum := toFloat(s); !isNum {
			return nil, false
		}
	}

	n := minLen(len(texts), minLen(len(boxes), len(scores)))
	entries := make([]rawEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, rawEntry{text: texts[i], poly: boxes[i], score: scores[i]})
	}
	return entries, true
}

// looksLikePolygon accepts [[x,y], ...] and flat [x, y, ...] coordinate lists
func looksLikePolygon(v interface{}) bool {
	list, ok := v.([]interface{})
	if !ok || len(list) == 0 {
		return false
	}
	for _, item := range list {
		if _, isNum := toFloat(item); isNum {
			continue
		}
		point, ok := item.([]interface{})
		if !ok || len(point) == 0 {
			return false
		}
		for _, c := range point {
			if _, isNum := toFloat(c); !isNum {
				return false
			}
		}
	}
	return true
}

// parseLineList handles [[quad, [text, conf]], ...] and [[quad, text, conf], ...],
// optionally wrapped in a per-page list
func parseLineList(payload interface{}) ([]rawEntry, bool) {
	list, ok := payload.([]interface{})
	if !ok || len(list) == 0 {
		return nil, false
	}

	if isLine(list[0]) {
		return linesToEntries(list), true
	}

	// Page-wrapped: [[line, line], [line]]
	var all []rawEntry
	for _, page := range list {
		lines, ok := page.([]interface{})
		if !ok {
			return nil, false
		}
		if len(lines) > 0 && !isLine(lines[0]) {
			return nil, false
		}
		all = append(all, linesToEntries(lines)...)
	}
	if all == nil {
		all = []rawEntry{}
	}
	return all, true
}

func isLine(v interface{}) bool {
	line, ok := v.([]interface{})
	if !ok || len(line) < 2 {
		return false
	}
	if _, ok := line[0].([]interface{}); !ok {
		return false
	}
	switch second := line[1].(type) {
	case string:
		return true
	case []interface{}:
		if len(second) == 0 {
			return false
		}
		_, isStr := second[0].(string)
		return isStr
	}
	return false
}

func linesToEntries(lines []interface{}) []rawEntry {
	entries := make([]rawEntry, 0, len(lines))
	for _, l := range lines {
		if !isLine(l) {
			normalizerLog.Debug("Skipping line with unexpected format", "line", l)
			continue
		}
		line := l.([]interface{})
		e := rawEntry{poly: line[0], score: 0.0}
		switch second := line[1].(type) {
		case string:
			e.text = second
			if len(line) >= 3 {
				e.score = line[2]
			}
		case []interface{}:
			e.text = second[0]
			if len(second) >= 2 {
				e.score = second[1]
			}
		}
		entries = append(entries, e)
	}
	return entries
}

// toQuad converts a nested 4x2 or flat 8-number polygon
func toQuad(poly interface{}) (Quad, error) {
	var q Quad

	switch v := poly.(type) {
	case []float64:
		if len(v) != 8 {
			return q, fmt.Errorf("flat polygon has %d numbers, want 8", len(v))
		}
		for i := 0; i < 4; i++ {
			q[i] = Point{v[2*i], v[2*i+1]}
		}
		return q, nil
	case [][]float64:
		if len(v) != 4 {
			return q, fmt.Errorf("polygon has %d points, want 4", len(v))
		}
		for i, pt := range v {
			if len(pt) < 2 {
				return q, fmt.Errorf("point %d has %d coordinates", i, len(pt))
			}
			q[i] = Point{pt[0], pt[1]}
		}
		return q, nil
	case []interface{}:
		if len(v) == 8 {
			if _, isNum := toFloat(v[0]); isNum {
				for i := 0; i < 4; i++ {
					x, okX := toFloat(v[2*i])
					y, okY := toFloat(v[2*i+1])
					if !okX || !okY {
						return q, fmt.Errorf("non-numeric coordinate at point %d", i)
					}
					q[i] = Point{x, y}
				}
				return q, nil
			}
		}
		if len(v) != 4 {
			return q, fmt.Errorf("polygon has %d points, want 4", len(v))
		}
		for i, raw := range v {
			pt, ok := raw.([]interface{})
			if !ok || len(pt) < 2 {
				return q, fmt.Errorf("point %d is not a coordinate pair", i)
			}
			x, okX := toFloat(pt[0])
			y, okY := toFloat(pt[1])
			if !okX || !okY {
				return q, fmt.Errorf("non-numeric coordinate at point %d", i)
			}
			q[i] = Point{x, y}
		}
		return q, nil
	}

	return q, fmt.Errorf("unsupported polygon type %T", poly)
}

func toFloat(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toConfidence(v interface{}) float64 {
	f, ok := toFloat(v)
	if !ok {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}

func toText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func minLen(a, b int) int {
	if a < b {
		return a
	}
	return b
}
