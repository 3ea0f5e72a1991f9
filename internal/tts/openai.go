package tts

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/local/audiobooker/internal/ai"
	"github.com/local/audiobooker/internal/book"
	"github.com/local/audiobooker/internal/config"
)

const defaultVoice = "nova"

// OpenAISpeech renders text with the OpenAI speech endpoint.
type OpenAISpeech struct {
	client openai.Client
	model  string
	voice  string
	format openai.AudioSpeechNewParamsResponseFormat
	speed  float64
}

func NewOpenAISpeech(cfg config.TTSConfig, opts ...option.RequestOption) (*OpenAISpeech, error) {
	if cfg.APIKey == "" {
		return nil, ai.ErrMissingAPIKey
	}
	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	s := &OpenAISpeech{
		client: openai.NewClient(append(base, opts...)...),
		model:  cfg.Model,
		voice:  cfg.Voice,
		format: normalizeFormat(cfg.Format),
		speed:  cfg.Speed,
	}
	if s.model == "" {
		s.model = string(openai.SpeechModelTTS1)
	}
	if s.voice == "" {
		s.voice = defaultVoice
	}
	if s.speed <= 0 {
		s.speed = 1.0
	}
	return s, nil
}

func (s *OpenAISpeech) Name() string { return "openai" }

func (s *OpenAISpeech) Format() string { return string(s.format) }

func (s *OpenAISpeech) Speak(ctx context.Context, text, voice string, tone book.Tone) ([]byte, error) {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		voice = s.voice
	}
	params := openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(s.model),
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: s.format,
		Speed:          openai.Float(s.speed),
	}
	if supportsInstructions(s.model) && tone != "" {
		params.Instructions = openai.String(toneInstructions(tone))
	}

	resp, err := s.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, ai.MapOpenAIError(err, s.model)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed reading openai audio response: %w", err)
	}
	return b, nil
}

func supportsInstructions(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "gpt-4o-mini-tts")
}

func toneInstructions(t book.Tone) string {
	switch t {
	case book.ToneDramatic:
		return "Narrate like an audiobook reader building suspense, with dramatic pacing."
	case book.ToneEmotional:
		return "Narrate like an audiobook reader with warmth and feeling."
	}
	return "Narrate like an audiobook reader in a calm, even voice."
}

func normalizeFormat(format string) openai.AudioSpeechNewParamsResponseFormat {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "opus":
		return openai.AudioSpeechNewParamsResponseFormatOpus
	case "aac":
		return openai.AudioSpeechNewParamsResponseFormatAAC
	case "flac":
		return openai.AudioSpeechNewParamsResponseFormatFLAC
	case "wav":
		return openai.AudioSpeechNewParamsResponseFormatWAV
	}
	return openai.AudioSpeechNewParamsResponseFormatMP3
}
