// stubapi serves canned analysis and identity-provider responses so the
// daemon can be exercised locally without the real upstreams.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"

	"triplens.org/internal/analysis"
)

func main() {
	log.SetFlags(0)
	addr := flag.String("addr", ":8090", "listen address")
	flag.Parse()

	mux := http.NewServeMux()

	mux.HandleFunc("/analyze-image", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ImageURL string `json:"image_url"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, analysis.ImageAnalysis{
			LandmarkDetected: true,
			AnalysisData: analysis.AnalysisData{
				Landmark: analysis.Landmark{
					Name:       "Eiffel Tower",
					Confidence: 0.97,
					Location:   analysis.Location{City: "Paris", Country: "France", Lat: 48.8584, Lon: 2.2945},
				},
				Weather:        &analysis.Weather{Temperature: 18.5, Description: "clear sky"},
				CountryInfo:    &analysis.CountryInfo{Name: "France", Capital: "Paris", Region: "Europe"},
				TravelAdvisory: &analysis.TravelAdvisory{Score: 2.1, Message: "exercise normal caution"},
				ImageURL:       req.ImageURL,
			},
		})
	})

	mux.HandleFunc("/analyze-landmark", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AnalysisData analysis.AnalysisData `json:"analysis_data"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, analysis.LandmarkAnalysis{
			LandmarkName: req.AnalysisData.Landmark.Name,
			Analysis:     "An iconic wrought-iron lattice tower and a must-see on any first visit.",
			Recommendations: []string{
				"Book tickets ahead to skip the queue",
				"Visit at dusk for the light show",
			},
		})
	})

	// Identity provider stand-ins.
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			writeJSON(w, map[string]any{
				"uid":         "stub-user-1",
				"email":       "traveler@example.com",
				"displayName": "Stub Traveler",
			})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/v1/customers/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"items": []any{}})
	})

	log.Printf("stubapi listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, mux))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
