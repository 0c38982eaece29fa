// Package tts is a request/response speech-synthesis client. The
// bridge uses it to voice replies from text-only agent sessions.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxbridge-ai/voxbridge/pkg/agent/protocol"
)

// Provider synthesizes speech for one utterance.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, text string, opts Options) (*Synthesis, error)
}

type Options struct {
	Voice      string
	Format     string // output encoding, e.g. "pcm_s16le" or "mp3"
	SampleRate int
}

// Synthesis is one complete rendered utterance.
type Synthesis struct {
	Audio  []byte
	Format protocol.AudioFormat
}

// RequestError reports a non-2xx synthesis response.
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("tts request failed: status %d: %s", e.StatusCode, e.Body)
}

const (
	defaultBaseURL    = "https://api.elevenlabs.io"
	defaultFormat     = protocol.EncodingMP3
	defaultSampleRate = 44100
	maxErrorBody      = 512
)

// HTTPProvider posts text and receives the rendered audio in one
// response body.
type HTTPProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewHTTP(apiKey string) *HTTPProvider {
	return &HTTPProvider{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func NewHTTPWithClient(apiKey string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProvider{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    defaultBaseURL,
		httpClient: client,
	}
}

func (p *HTTPProvider) WithBaseURL(base string) *HTTPProvider {
	if p == nil {
		return p
	}
	base = strings.TrimSpace(base)
	if base != "" {
		p.baseURL = strings.TrimRight(base, "/")
	}
	return p
}

func (p *HTTPProvider) Name() string {
	return "elevenlabs-http"
}

func (p *HTTPProvider) Synthesize(ctx context.Context, text string, opts Options) (*Synthesis, error) {
	if p == nil || p.apiKey == "" {
		return nil, fmt.Errorf("tts api key is required")
	}
	voiceID := strings.TrimSpace(opts.Voice)
	if voiceID == "" {
		return nil, fmt.Errorf("voice id is required")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}

	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": "eleven_flash_v2_5",
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		p.baseURL, voiceID, outputFormat(opts))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading synthesis body: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("synthesis returned no audio")
	}
	return &Synthesis{Audio: audio, Format: synthesisFormat(opts)}, nil
}

func outputFormat(opts Options) string {
	rate := opts.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	switch opts.Format {
	case protocol.EncodingPCMS16LE:
		return fmt.Sprintf("pcm_%d", rate)
	case "", protocol.EncodingMP3:
		return fmt.Sprintf("mp3_%d_128", rate)
	default:
		return opts.Format
	}
}

func synthesisFormat(opts Options) protocol.AudioFormat {
	encoding := opts.Format
	if encoding == "" {
		encoding = defaultFormat
	}
	rate := opts.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	return protocol.AudioFormat{Encoding: encoding, SampleRateHz: rate, Channels: 1}
}
