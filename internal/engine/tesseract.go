/**
 * Tesseract backend
 *
 * In-process OCR through gosseract. A gosseract client is not safe for
 * concurrent use, so the engine is registered with Serialize set.
 */

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/ocr-server/internal/processor"
)

// TesseractLanguages maps client language names to traineddata codes
var TesseractLanguages = map[string]string{
	"english":    "eng",
	"en":         "eng",
	"japan":      "jpn+eng",
	"japanese":   "jpn+eng",
	"ja":         "jpn+eng",
	"korean":     "kor+eng",
	"ko":         "kor+eng",
	"chinese":    "chi_sim+eng",
	"ch_sim":     "chi_sim+eng",
	"ch_tra":     "chi_tra+eng",
	"vietnamese": "vie",
	"vi":         "vie",
	"french":     "fra",
	"fr":         "fra",
	"german":     "deu",
	"de":         "deu",
	"spanish":    "spa",
	"es":         "spa",
	"russian":    "rus",
	"ru":         "rus",
}

// TesseractLevel parses a page iterator level name; unknown names mean textline
func TesseractLevel(name string) gosseract.PageIteratorLevel {
	switch strings.ToLower(name) {
	case "block":
		return gosseract.RIL_BLOCK
	case "para", "paragraph":
		return gosseract.RIL_PARA
	case "word":
		return gosseract.RIL_WORD
	case "symbol":
		return gosseract.RIL_SYMBOL
	default:
		return gosseract.RIL_TEXTLINE
	}
}

type tesseractBackend struct {
	client *gosseract.Client
	level  gosseract.PageIteratorLevel
}

// NewTesseractLoader returns a Loader creating gosseract clients for a language code
func NewTesseractLoader(level gosseract.PageIteratorLevel) Loader {
	return func(ctx context.Context, code string) (Backend, error) {
		client := gosseract.NewClient()
		if err := client.SetLanguage(strings.Split(code, "+")...); err != nil {
			client.Close()
			return nil, fmt.Errorf("set languages: %w", err)
		}
		return &tesseractBackend{client: client, level: level}, nil
	}
}

// NewTesseractEngine builds the serialized tesseract engine
func NewTesseractEngine(level string, onInit func(string, string, time.Duration)) (*Engine, error) {
	return New(Options{
		Name:      "tesseract",
		Loader:    NewTesseractLoader(TesseractLevel(level)),
		Languages: TesseractLanguages,
		Serialize: true,
		OnInit:    onInit,
	})
}

// Recognize returns boxes, texts and scores as processor.Columns
func (t *tesseractBackend) Recognize(ctx context.Context, imagePath string) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.client.SetImage(imagePath); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}

	boxes, err := t.client.GetBoundingBoxes(t.level)
	if err != nil {
		return nil, fmt.Errorf("recognize text: %w", err)
	}

	cols := processor.Columns{
		Boxes:  make([][]float64, 0, len(boxes)),
		Texts:  make([]string, 0, len(boxes)),
		Scores: make([]float64, 0, len(boxes)),
	}
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		r := b.Box
		cols.Boxes = append(cols.Boxes, []float64{
			float64(r.Min.X), float64(r.Min.Y),
			float64(r.Max.X), float64(r.Min.Y),
			float64(r.Max.X), float64(r.Max.Y),
			float64(r.Min.X), float64(r.Max.Y),
		})
		cols.Texts = append(cols.Texts, text)
		cols.Scores = append(cols.Scores, b.Confidence/100.0)
	}
	return cols, nil
}

func (t *tesseractBackend) Close() error {
	return t.client.Close()
}
