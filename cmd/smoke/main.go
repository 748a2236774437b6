package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

// smoke drives a running triplens-api end to end: sign in, analyze one
// image, verify the usage counter moved.
func main() {
	base := os.Getenv("TRIPLENS_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}

	client := &http.Client{Timeout: 30 * time.Second}

	signin := postJSON(client, base+"/v1/auth/signin", map[string]any{})
	var signinResp struct {
		User struct {
			UID string `json:"uid"`
		} `json:"user"`
		Token string `json:"token"`
	}
	decode(signin, &signinResp)
	if signinResp.User.UID == "" {
		log.Fatal("sign-in returned no user")
	}

	before := usageCount(client, base, signinResp.Token)

	req, _ := http.NewRequest(http.MethodPost, base+"/v1/analyze",
		bytes.NewReader([]byte(`{"image_url":"https://example.com/eiffel.jpg"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Surface-ID", "smoke")
	authorize(req, signinResp.Token)
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("analyze: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("analyze: unexpected status %d", resp.StatusCode)
	}
	var result struct {
		Image struct {
			AnalysisData struct {
				Landmark struct {
					Name string `json:"name"`
				} `json:"landmark"`
			} `json:"analysis_data"`
		} `json:"image_analysis"`
	}
	decode(resp, &result)
	if result.Image.AnalysisData.Landmark.Name == "" {
		log.Fatal("analyze returned no landmark")
	}

	after := usageCount(client, base, signinResp.Token)
	if after != before+1 {
		log.Fatalf("usage counter did not advance: before=%d after=%d", before, after)
	}

	fmt.Printf("✅ triplens smoke test passed: landmark=%s usage=%d\n",
		result.Image.AnalysisData.Landmark.Name, after)
}

func usageCount(client *http.Client, base, token string) int {
	req, _ := http.NewRequest(http.MethodGet, base+"/v1/usage", nil)
	authorize(req, token)
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("usage: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("usage: unexpected status %d", resp.StatusCode)
	}
	var usage struct {
		Count int `json:"count"`
	}
	decode(resp, &usage)
	return usage.Count
}

func postJSON(client *http.Client, url string, body any) *http.Response {
	payload, _ := json.Marshal(body)
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("post %s: %v", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("post %s: unexpected status %d", url, resp.StatusCode)
	}
	return resp
}

func authorize(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func decode(resp *http.Response, dst any) {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		log.Fatalf("decode response: %v", err)
	}
}
