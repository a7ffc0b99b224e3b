package speech

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	speechapi "google.golang.org/api/speech/v1"
)

// GoogleTranscriber uses the Cloud Speech-to-Text v1 recognize call.
type GoogleTranscriber struct {
	svc          *speechapi.Service
	languageCode string
}

// NewGoogleTranscriber authenticates with an API key unless opts supply
// other credentials.
func NewGoogleTranscriber(ctx context.Context, apiKey, languageCode string, opts ...option.ClientOption) (*GoogleTranscriber, error) {
	if apiKey != "" {
		opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	}
	svc, err := speechapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init speech service: %w", err)
	}
	if languageCode == "" {
		languageCode = "en-US"
	}
	return &GoogleTranscriber{svc: svc, languageCode: languageCode}, nil
}

func (g *GoogleTranscriber) Transcribe(ctx context.Context, a Audio) (string, error) {
	if len(a.PCM) == 0 {
		return "", ErrUnintelligible
	}
	req := &speechapi.RecognizeRequest{
		Config: &speechapi.RecognitionConfig{
			Encoding:          "LINEAR16",
			SampleRateHertz:   int64(a.SampleRate),
			LanguageCode:      g.languageCode,
			AudioChannelCount: 1,
		},
		Audio: &speechapi.RecognitionAudio{
			Content: base64.StdEncoding.EncodeToString(a.PCM),
		},
	}
	resp, err := g.svc.Speech.Recognize(req).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("%w: recognize: %v", ErrService, err)
	}

	var parts []string
	for _, r := range resp.Results {
		if r == nil || len(r.Alternatives) == 0 || r.Alternatives[0] == nil {
			continue
		}
		if t := strings.TrimSpace(r.Alternatives[0].Transcript); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return "", ErrUnintelligible
	}
	return strings.Join(parts, " "), nil
}
