package engine

import (
	"context"
	"fmt"
	"time"
)

// Sidecar is the subset of clients.InferenceClient the bridge needs
type Sidecar interface {
	Init(ctx context.Context, engine, lang string) error
	Infer(ctx context.Context, engine, lang, imagePath string) (interface{}, error)
	Release(ctx context.Context, engine string) error
}

// Sidecar engine names
const (
	EasyOCR   = "easyocr"
	PaddleOCR = "paddleocr"
	RapidOCR  = "rapidocr"
)

// EasyOCRLanguages maps client names to EasyOCR reader codes
var EasyOCRLanguages = map[string]string{
	"japan":      "ja",
	"japanese":   "ja",
	"korean":     "ko",
	"chinese":    "ch_sim",
	"english":    "en",
	"vietnamese": "vi",
}

// PaddleOCRLanguages maps client names and ISO codes to PaddleOCR codes
var PaddleOCRLanguages = map[string]string{
	"japan":      "japan",
	"korean":     "korean",
	"chinese":    "ch",
	"english":    "en",
	"vietnamese": "vi",
	"ja":         "japan",
	"ko":         "korean",
	"en":         "en",
	"ch_sim":     "ch",
	"ch_tra":     "chinese_cht",
	"fr":         "fr",
	"ru":         "ru",
	"de":         "german",
	"es":         "es",
	"it":         "it",
	"hi":         "hi",
	"pt":         "pt",
	"ar":         "ar",
	"nl":         "nl",
	"pl":         "pl",
	"ro":         "ro",
	"fa":         "fa",
	"cs":         "cs",
	"id":         "id",
	"th":         "th",
}

// RapidOCRLanguages maps client names and ISO codes to RapidOCR recognizer families
var RapidOCRLanguages = map[string]string{
	"japan":   "CH",
	"chinese": "CH",
	"ja":      "CH",
	"ch_sim":  "CH",
	"ch_tra":  "CH",
	"english": "LATIN",
	"korean":  "LATIN",
	"en":      "LATIN",
	"ko":      "LATIN",
	"fr":      "LATIN",
	"ru":      "LATIN",
	"de":      "LATIN",
	"es":      "LATIN",
	"it":      "LATIN",
	"hi":      "LATIN",
	"pt":      "LATIN",
	"ar":      "LATIN",
	"nl":      "LATIN",
	"pl":      "LATIN",
	"ro":      "LATIN",
	"fa":      "LATIN",
	"cs":      "LATIN",
	"id":      "LATIN",
	"th":      "LATIN",
}

// SidecarLanguages returns the language map for a sidecar engine
func SidecarLanguages(name string) map[string]string {
	switch name {
	case EasyOCR:
		return EasyOCRLanguages
	case PaddleOCR:
		return PaddleOCRLanguages
	case RapidOCR:
		return RapidOCRLanguages
	}
	return nil
}

type bridgeBackend struct {
	sidecar Sidecar
	engine  string
	code    string
}

// NewBridgeLoader returns a Loader that initializes engine inside the sidecar
func NewBridgeLoader(sidecar Sidecar, engine string) Loader {
	return func(ctx context.Context, code string) (Backend, error) {
		if err := sidecar.Init(ctx, engine, code); err != nil {
			return nil, fmt.Errorf("sidecar init: %w", err)
		}
		return &bridgeBackend{sidecar: sidecar, engine: engine, code: code}, nil
	}
}

// NewBridgeEngine builds an engine whose model runs in the sidecar
func NewBridgeEngine(sidecar Sidecar, name string, onInit func(string, string, time.Duration)) (*Engine, error) {
	return New(Options{
		Name:      name,
		Loader:    NewBridgeLoader(sidecar, name),
		Languages: SidecarLanguages(name),
		OnInit:    onInit,
	})
}

func (b *bridgeBackend) Recognize(ctx context.Context, imagePath string) (interface{}, error) {
	return b.sidecar.Infer(ctx, b.engine, b.code, imagePath)
}

// ReleaseResources clears the sidecar's accelerator cache after each task
func (b *bridgeBackend) ReleaseResources(ctx context.Context) error {
	return b.sidecar.Release(ctx, b.engine)
}

func (b *bridgeBackend) Close() error {
	return nil
}
