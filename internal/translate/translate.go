// Package translate defines the translation provider contract and the
// best-effort helper the relay uses on every call site.
package translate

import (
	"context"
	"errors"
	"log/slog"
)

// SourceAuto asks the provider to detect the source language.
const SourceAuto = "auto"

// ErrProvider wraps any translation backend failure.
var ErrProvider = errors.New("translate: provider error")

// Result is a successful translation.
type Result struct {
	Text       string
	SourceLang string
	TargetLang string
}

// Translator converts text between languages.
type Translator interface {
	// Translate converts text into targetLang. sourceLang may be SourceAuto.
	// Failures are reported as errors wrapping ErrProvider.
	Translate(ctx context.Context, text, targetLang, sourceLang string) (Result, error)
}

// Outcome is what Attempt always produces: either the translated pair or
// the identity pair with Failed set.
type Outcome struct {
	Text       string
	SourceLang string
	TargetLang string
	Failed     bool
}

// Attempt translates best-effort. It never returns an error: on provider
// failure or empty input the original text comes back unchanged with the
// Failed flag set (empty input is not a failure). Translation must never be
// a hard dependency for message durability.
func Attempt(ctx context.Context, tr Translator, logger *slog.Logger, text, targetLang, sourceLang string) Outcome {
	if text == "" {
		return Outcome{Text: text, SourceLang: sourceLang, TargetLang: targetLang}
	}
	if tr == nil {
		return Outcome{Text: text, SourceLang: sourceLang, TargetLang: targetLang, Failed: true}
	}

	res, err := tr.Translate(ctx, text, targetLang, sourceLang)
	if err != nil {
		if logger != nil {
			logger.WarnContext(ctx, "Translation failed, falling back to original text",
				"target_lang", targetLang, "error", err)
		}
		return Outcome{Text: text, SourceLang: sourceLang, TargetLang: targetLang, Failed: true}
	}

	return Outcome{Text: res.Text, SourceLang: res.SourceLang, TargetLang: targetLang}
}
