package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

const translateInstruction = `You are a translation engine. Translate the user text into the requested target language. Preserve tone, formatting and emoji. Do not add commentary.`

var translationSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"translated_text":          {Type: genai.TypeString, Description: "The translated text."},
		"detected_source_language": {Type: genai.TypeString, Description: "ISO 639-1 code of the detected source language."},
	},
	Required: []string{"translated_text", "detected_source_language"},
}

// GeminiConfig configures the Gemini-backed translator.
type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

type geminiTranslator struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	log     *slog.Logger
	cfg     *genai.GenerateContentConfig
}

// NewGeminiTranslator creates a Translator backed by the Gemini API.
func NewGeminiTranslator(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (Translator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	temp := float32(0.1)
	contentCfg := &genai.GenerateContentConfig{
		Temperature:       &temp,
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: translateInstruction}}},
		ResponseMIMEType:  "application/json",
		ResponseSchema:    translationSchema,
	}

	log := logger.With("component", "gemini_translator")
	log.Info("Gemini translator initialized", "model", cfg.Model, "timeout", cfg.Timeout)
	return &geminiTranslator{
		client:  client,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		log:     log,
		cfg:     contentCfg,
	}, nil
}

func (g *geminiTranslator) Translate(ctx context.Context, text, targetLang, sourceLang string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{Text: text, SourceLang: sourceLang, TargetLang: targetLang}, nil
	}
	if sourceLang == "" {
		sourceLang = SourceAuto
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	prompt := fmt.Sprintf("Target language: %s\nSource language: %s\n\nText:\n%s", targetLang, sourceLang, text)
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, g.cfg)
	if err != nil {
		g.log.ErrorContext(ctx, "Gemini translation call failed", "target_lang", targetLang, "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	raw, err := extractText(resp)
	if err != nil {
		g.log.ErrorContext(ctx, "Gemini translation response unusable", "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	var payload struct {
		TranslatedText         string `json:"translated_text"`
		DetectedSourceLanguage string `json:"detected_source_language"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &payload); err != nil {
		g.log.ErrorContext(ctx, "Failed to parse translation payload", "error", err)
		return Result{}, fmt.Errorf("%w: invalid payload: %v", ErrProvider, err)
	}
	if payload.TranslatedText == "" {
		return Result{}, fmt.Errorf("%w: empty translation", ErrProvider)
	}

	detected := payload.DetectedSourceLanguage
	if detected == "" {
		detected = sourceLang
	}

	return Result{
		Text:       payload.TranslatedText,
		SourceLang: detected,
		TargetLang: targetLang,
	}, nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reason := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reason = resp.PromptFeedback.BlockReasonMessage
		}
		return "", fmt.Errorf("request blocked by safety filter: %s", reason)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("response missing candidates or content")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("response contained no text parts")
	}
	return sb.String(), nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
