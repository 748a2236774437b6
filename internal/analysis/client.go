// Package analysis is the client for the two-step remote landmark analysis
// API: an image stage that detects the landmark and gathers weather, country
// and advisory context, and an AI stage that turns that context into a
// written assessment with recommendations.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client calls the remote analysis API.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption configures Client behavior.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client (useful for tests).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds each remote call. Zero keeps the historical behavior of
// waiting indefinitely.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// NewClient constructs a client for the given API base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type analyzeImageRequest struct {
	ImageURL string `json:"image_url"`
}

type analyzeLandmarkRequest struct {
	AnalysisData AnalysisData `json:"analysis_data"`
}

// AnalyzeImage runs the image stage for the given image URL.
func (c *Client) AnalyzeImage(ctx context.Context, imageURL string) (*ImageAnalysis, error) {
	var out ImageAnalysis
	if err := c.post(ctx, StageImage, "/analyze-image", analyzeImageRequest{ImageURL: imageURL}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyzeLandmark runs the AI stage over the image stage's payload.
func (c *Client) AnalyzeLandmark(ctx context.Context, data AnalysisData) (*LandmarkAnalysis, error) {
	var out LandmarkAnalysis
	if err := c.post(ctx, StageLandmark, "/analyze-landmark", analyzeLandmarkRequest{AnalysisData: data}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, stage, path string, body, dst any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &UpstreamError{Stage: stage, Err: fmt.Errorf("encode request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &UpstreamError{Stage: stage, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &UpstreamError{Stage: stage, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UpstreamError{Stage: stage, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return &UpstreamError{Stage: stage, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
