package analysis

import "fmt"

// Location pins a detected landmark to a place.
type Location struct {
	City    string  `json:"city,omitempty"`
	Country string  `json:"country,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
}

// Landmark is the primary detection from the image stage.
type Landmark struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Confidence  float64  `json:"confidence"`
	Location    Location `json:"location"`
}

// Weather is the current-conditions snapshot for the landmark's city.
type Weather struct {
	Temperature float64 `json:"temperature"`
	Description string  `json:"description,omitempty"`
	Humidity    int     `json:"humidity,omitempty"`
	WindSpeed   float64 `json:"wind_speed,omitempty"`
}

// CountryInfo holds basic facts about the landmark's country.
type CountryInfo struct {
	Name       string   `json:"name"`
	Capital    string   `json:"capital,omitempty"`
	Region     string   `json:"region,omitempty"`
	Population int64    `json:"population,omitempty"`
	Currencies []string `json:"currencies,omitempty"`
	Languages  []string `json:"languages,omitempty"`
}

// TravelAdvisory is the safety assessment for the landmark's country.
type TravelAdvisory struct {
	Score   float64 `json:"score"`
	Message string  `json:"message,omitempty"`
	Updated string  `json:"updated,omitempty"`
}

// AnalysisData is the intermediate payload produced by the image stage and
// consumed verbatim by the landmark stage.
type AnalysisData struct {
	Landmark       Landmark        `json:"landmark"`
	Weather        *Weather        `json:"weather,omitempty"`
	CountryInfo    *CountryInfo    `json:"country_info,omitempty"`
	TravelAdvisory *TravelAdvisory `json:"travel_advisory,omitempty"`
	ImageURL       string          `json:"image_url"`
}

// ImageAnalysis is the image stage response.
type ImageAnalysis struct {
	LandmarkDetected bool         `json:"landmark_detected"`
	AnalysisData     AnalysisData `json:"analysis_data"`
	Timestamp        string       `json:"timestamp,omitempty"`
}

// LandmarkAnalysis is the AI stage response.
type LandmarkAnalysis struct {
	LandmarkName    string   `json:"landmark_name"`
	Analysis        string   `json:"analysis"`
	Recommendations []string `json:"recommendations,omitempty"`
	Timestamp       string   `json:"timestamp,omitempty"`
}

// Result combines both stages. It is handed straight back to the requesting
// surface and never persisted.
type Result struct {
	Image    ImageAnalysis    `json:"image_analysis"`
	Landmark LandmarkAnalysis `json:"ai_analysis"`
}

// Pipeline stages, used in error tags and metrics labels.
const (
	StageImage    = "image"
	StageLandmark = "landmark"
)

// UpstreamError reports a non-2xx response or transport failure from the
// remote analysis API, tagged with the stage that failed.
type UpstreamError struct {
	Stage  string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("analysis: %s stage failed with status %d", e.Stage, e.Status)
	}
	return fmt.Sprintf("analysis: %s stage failed: %v", e.Stage, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
