// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ManuGH/xg2g/internal/platform/httpx"
	sonygobreaker "github.com/sony/gobreaker/v2"
)

// KokoroClient is the local TTS runtime client. It needs no API key and
// has no text/multimodal surface: callers must not route text or OCR
// tasks to it.
type KokoroClient struct {
	baseURL string
	http    *http.Client
	breaker *sonygobreaker.CircuitBreaker[*SynthesizeResult]
}

// NewKokoroClient builds a local-runtime client. The runtime flaps more
// often than the cloud provider during restarts, so it gets its own
// gobreaker instance (half-open probing) rather than the teacher's
// sliding-window breaker used for the cloud client.
func NewKokoroClient(baseURL string) *KokoroClient {
	settings := sonygobreaker.Settings{
		Name:        "upstream.kokoro",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts sonygobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &KokoroClient{
		baseURL: baseURL,
		http:    httpx.NewClient(20 * time.Second),
		breaker: sonygobreaker.NewCircuitBreaker[*SynthesizeResult](settings),
	}
}

func (c *KokoroClient) Name() Engine { return EngineKokoro }

func (c *KokoroClient) Health(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2500*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, nil
	}
	var body struct {
		OK     bool   `json:"ok"`
		Status string `json:"status"`
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &body)
	return body.OK || body.Status == "healthy", nil
}

type kokoroSynthesizeRequest struct {
	Text         string         `json:"text"`
	MultiSpeaker bool           `json:"multiSpeaker"`
	Speakers     []SpeakerVoice `json:"speakers,omitempty"`
	LineMap      []LineMapEntry `json:"lineMap,omitempty"`
}

type kokoroStructuredResponse struct {
	WavBase64  string          `json:"wavBase64"`
	LineChunks []lineChunkWire `json:"lineChunks,omitempty"`
}

func (c *KokoroClient) Synthesize(ctx context.Context, _ string, req SynthesizeRequest, timeout time.Duration) (*SynthesizeResult, error) {
	return c.synthesize(ctx, req, timeout, "/synthesize", false)
}

func (c *KokoroClient) SynthesizeStructured(ctx context.Context, _ string, req SynthesizeRequest, timeout time.Duration) (*SynthesizeResult, error) {
	return c.synthesize(ctx, req, timeout, "/synthesize/structured", true)
}

func (c *KokoroClient) synthesize(ctx context.Context, req SynthesizeRequest, timeout time.Duration, path string, structured bool) (*SynthesizeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(kokoroSynthesizeRequest{
		Text:         req.Text,
		MultiSpeaker: req.MultiSpeaker,
		Speakers:     req.Speakers,
		LineMap:      req.LineMap,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: encode kokoro request: %w", err)
	}

	return c.breaker.Execute(func() (*SynthesizeResult, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("kokoro %s: status %d: %s", path, resp.StatusCode, TrimSummary(string(raw)))
		}

		if !structured {
			return &SynthesizeResult{Audio: raw}, nil
		}

		var wire kokoroStructuredResponse
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("kokoro %s: decode response: %w", path, err)
		}
		audio, err := base64.StdEncoding.DecodeString(wire.WavBase64)
		if err != nil {
			return nil, fmt.Errorf("kokoro %s: decode wavBase64: %w", path, err)
		}
		chunks := make(map[int][]byte, len(wire.LineChunks))
		for _, lc := range wire.LineChunks {
			b, err := base64.StdEncoding.DecodeString(lc.AudioB64)
			if err != nil {
				continue
			}
			chunks[lc.LineIndex] = b
		}
		return &SynthesizeResult{Audio: audio, LineChunks: chunks}, nil
	})
}

// GenerateText is unsupported: Kokoro is a TTS-only local runtime.
func (c *KokoroClient) GenerateText(context.Context, string, TextRequest, time.Duration) (*TextResult, error) {
	return nil, fmt.Errorf("upstream: kokoro engine does not support text generation")
}

// ExtractMultimodal is unsupported: Kokoro is a TTS-only local runtime.
func (c *KokoroClient) ExtractMultimodal(context.Context, string, MultimodalRequest, time.Duration) (*MultimodalResult, error) {
	return nil, fmt.Errorf("upstream: kokoro engine does not support multimodal extraction")
}
