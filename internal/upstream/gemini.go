// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ManuGH/xg2g/internal/platform/httpx"
	"github.com/ManuGH/xg2g/internal/resilience"
	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	retry "github.com/avast/retry-go/v5"
)

// textPathRetryAttempts bounds the raw text/OCR paths' own retry, separate
// from the orchestrator's per-unit retry loop over synthesis calls: a
// transient 5xx or connection reset on a single messages-API call is worth
// retrying in place rather than surfacing all the way up to the caller.
const textPathRetryAttempts uint = 3

func isRetryableTextErr(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, resilience.ErrCircuitOpen)
}

// GeminiClient is the cloud TTS/LLM provider client. Text generation and
// multimodal extraction go through the provider's messages API; synthesis
// goes through its dedicated TTS endpoint, which the shared messages SDK
// does not model, so it is called directly over HTTP.
type GeminiClient struct {
	baseURL string
	http    *http.Client
	breaker *resilience.CircuitBreaker
}

// NewGeminiClient builds a cloud provider client. baseURL is the TTS
// synthesis endpoint root; the text/multimodal paths use the anthropic SDK
// client constructed per-call with the caller-supplied key so that each
// allocator lease's key is the one actually billed.
func NewGeminiClient(baseURL string) *GeminiClient {
	return &GeminiClient{
		baseURL: baseURL,
		http:    httpx.NewClient(30 * time.Second),
		breaker: resilience.NewCircuitBreaker("upstream.gemini", 5, 10, 60*time.Second, 30*time.Second),
	}
}

func (c *GeminiClient) Name() Engine { return EngineGemini }

func (c *GeminiClient) Health(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

type geminiSynthesizeRequest struct {
	Text         string         `json:"text"`
	MultiSpeaker bool           `json:"multiSpeaker"`
	Speakers     []SpeakerVoice `json:"speakers,omitempty"`
	LineMap      []LineMapEntry `json:"lineMap,omitempty"`
}

type geminiSynthesizeResponse struct {
	WavBase64  string           `json:"wavBase64"`
	LineChunks []lineChunkWire  `json:"lineChunks,omitempty"`
	Diagnostic map[string]any   `json:"diagnostics,omitempty"`
}

type lineChunkWire struct {
	LineIndex int    `json:"lineIndex"`
	AudioB64  string `json:"audioB64"`
}

func (c *GeminiClient) Synthesize(ctx context.Context, key string, req SynthesizeRequest, timeout time.Duration) (*SynthesizeResult, error) {
	return c.synthesize(ctx, key, req, timeout, "/synthesize")
}

func (c *GeminiClient) SynthesizeStructured(ctx context.Context, key string, req SynthesizeRequest, timeout time.Duration) (*SynthesizeResult, error) {
	return c.synthesize(ctx, key, req, timeout, "/synthesize/structured")
}

func (c *GeminiClient) synthesize(ctx context.Context, key string, req SynthesizeRequest, timeout time.Duration, path string) (*SynthesizeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(geminiSynthesizeRequest{
		Text:         req.Text,
		MultiSpeaker: req.MultiSpeaker,
		Speakers:     req.Speakers,
		LineMap:      req.LineMap,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: encode synthesize request: %w", err)
	}

	var result *SynthesizeResult
	err = c.breaker.Execute(func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+key)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("gemini %s: status %d: %s", path, resp.StatusCode, TrimSummary(string(raw)))
		}

		if path == "/synthesize" {
			result = &SynthesizeResult{Audio: raw}
			return nil
		}

		var wire geminiSynthesizeResponse
		if err := json.Unmarshal(raw, &wire); err != nil {
			return fmt.Errorf("gemini %s: decode response: %w", path, err)
		}
		audio, err := base64.StdEncoding.DecodeString(wire.WavBase64)
		if err != nil {
			return fmt.Errorf("gemini %s: decode wavBase64: %w", path, err)
		}
		chunks := make(map[int][]byte, len(wire.LineChunks))
		for _, lc := range wire.LineChunks {
			b, err := base64.StdEncoding.DecodeString(lc.AudioB64)
			if err != nil {
				continue
			}
			chunks[lc.LineIndex] = b
		}
		result = &SynthesizeResult{Audio: audio, LineChunks: chunks, Diagnostics: wire.Diagnostic}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GenerateText calls the provider's messages API with the caller's key.
func (c *GeminiClient) GenerateText(ctx context.Context, key string, req TextRequest, timeout time.Duration) (*TextResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := anthropic.NewClient(option.WithAPIKey(key), option.WithHTTPClient(c.http))

	var out *TextResult
	retrier := retry.New(retry.Context(ctx), retry.Attempts(textPathRetryAttempts), retry.RetryIf(isRetryableTextErr))
	err := retrier.Do(func() error {
		return c.breaker.Execute(func() error {
			params := anthropic.MessageNewParams{
				Model:     anthropic.ModelClaude3_5HaikuLatest,
				MaxTokens: 4096,
				System:    []anthropic.TextBlockParam{{Text: req.SystemPrompt}},
				Messages: []anthropic.MessageParam{
					anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
				},
			}
			if req.Temperature > 0 {
				params.Temperature = anthropic.Float(req.Temperature)
			}
			msg, err := client.Messages.New(ctx, params)
			if err != nil {
				return err
			}
			var text string
			for _, block := range msg.Content {
				if block.Type == "text" {
					text += block.Text
				}
			}
			out = &TextResult{Text: text, UsedTokens: int(msg.Usage.InputTokens + msg.Usage.OutputTokens)}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExtractMultimodal calls the provider's messages API with an inline image
// block, used as the OCR fallback path.
func (c *GeminiClient) ExtractMultimodal(ctx context.Context, key string, req MultimodalRequest, timeout time.Duration) (*MultimodalResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := anthropic.NewClient(option.WithAPIKey(key), option.WithHTTPClient(c.http))

	var out *MultimodalResult
	retrier := retry.New(retry.Context(ctx), retry.Attempts(textPathRetryAttempts), retry.RetryIf(isRetryableTextErr))
	err := retrier.Do(func() error {
		return c.breaker.Execute(func() error {
			imageBlock := anthropic.NewImageBlockBase64(req.MimeType, req.MediaBase64)
			textBlock := anthropic.NewTextBlock(req.Prompt)
			msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
				Model:     anthropic.ModelClaude3_5HaikuLatest,
				MaxTokens: 4096,
				Messages: []anthropic.MessageParam{
					anthropic.NewUserMessage(imageBlock, textBlock),
				},
			})
			if err != nil {
				return err
			}
			var text string
			for _, block := range msg.Content {
				if block.Type == "text" {
					text += block.Text
				}
			}
			out = &MultimodalResult{Text: text, UsedTokens: int(msg.Usage.InputTokens + msg.Usage.OutputTokens)}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
