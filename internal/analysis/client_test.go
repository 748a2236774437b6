package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAnalyzeImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/analyze-image" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			ImageURL string `json:"image_url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ImageURL != "https://example.com/tower.jpg" {
			t.Errorf("image_url = %q", req.ImageURL)
		}
		fmt.Fprint(w, `{
			"landmark_detected": true,
			"analysis_data": {
				"landmark": {"name": "Eiffel Tower", "confidence": 0.97,
					"location": {"city": "Paris", "country": "France"}},
				"weather": {"temperature": 18.5, "description": "clear sky"},
				"image_url": "https://example.com/tower.jpg"
			}
		}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	out, err := c.AnalyzeImage(context.Background(), "https://example.com/tower.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if !out.LandmarkDetected {
		t.Fatal("landmark_detected lost")
	}
	if out.AnalysisData.Landmark.Name != "Eiffel Tower" {
		t.Fatalf("landmark = %q", out.AnalysisData.Landmark.Name)
	}
	if out.AnalysisData.Weather == nil || out.AnalysisData.Weather.Description != "clear sky" {
		t.Fatalf("weather lost: %+v", out.AnalysisData.Weather)
	}
}

func TestAnalyzeLandmarkForwardsDataVerbatim(t *testing.T) {
	in := AnalysisData{
		Landmark: Landmark{Name: "Eiffel Tower", Confidence: 0.97},
		Weather:  &Weather{Temperature: 18.5},
		ImageURL: "https://example.com/tower.jpg",
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze-landmark" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			AnalysisData AnalysisData `json:"analysis_data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.AnalysisData.Landmark.Name != in.Landmark.Name || req.AnalysisData.ImageURL != in.ImageURL {
			t.Errorf("analysis_data not forwarded intact: %+v", req.AnalysisData)
		}
		fmt.Fprint(w, `{
			"landmark_name": "Eiffel Tower",
			"analysis": "An iconic lattice tower.",
			"recommendations": ["Go at dusk"]
		}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	out, err := c.AnalyzeLandmark(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if out.LandmarkName != "Eiffel Tower" || len(out.Recommendations) != 1 {
		t.Fatalf("unexpected response %+v", out)
	}
}

func TestNon2xxBecomesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(srv.Client()))

	_, err := c.AnalyzeImage(context.Background(), "https://example.com/a.jpg")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("got %T, want *UpstreamError", err)
	}
	if upstream.Stage != StageImage || upstream.Status != http.StatusServiceUnavailable {
		t.Fatalf("unexpected error %+v", upstream)
	}

	_, err = c.AnalyzeLandmark(context.Background(), AnalysisData{})
	if !errors.As(err, &upstream) {
		t.Fatalf("got %T, want *UpstreamError", err)
	}
	if upstream.Stage != StageLandmark {
		t.Fatalf("stage = %q", upstream.Stage)
	}
}

func TestTransportFailureBecomesUpstreamError(t *testing.T) {
	// Point at a closed server.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL)
	_, err := c.AnalyzeImage(context.Background(), "https://example.com/a.jpg")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("got %T, want *UpstreamError", err)
	}
	if upstream.Stage != StageImage || upstream.Err == nil {
		t.Fatalf("unexpected error %+v", upstream)
	}
}

func TestGarbageResponseBecomesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	_, err := c.AnalyzeImage(context.Background(), "https://example.com/a.jpg")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("got %T, want *UpstreamError", err)
	}
}

func TestUpstreamErrorMessage(t *testing.T) {
	withStatus := &UpstreamError{Stage: StageImage, Status: 502}
	if got := withStatus.Error(); got != "analysis: image stage failed with status 502" {
		t.Fatalf("message = %q", got)
	}
	wrapped := errors.New("connection refused")
	withErr := &UpstreamError{Stage: StageLandmark, Err: wrapped}
	if !errors.Is(withErr, wrapped) {
		t.Fatal("Unwrap broken")
	}
}
