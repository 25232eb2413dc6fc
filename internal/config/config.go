// Package config loads and validates cameras.yaml.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/sentinel-edge/internal/capture"
	"github.com/andresmejia3/sentinel-edge/internal/fusion"
	"github.com/andresmejia3/sentinel-edge/internal/pose"
	"github.com/andresmejia3/sentinel-edge/internal/quality"
	"github.com/andresmejia3/sentinel-edge/internal/utils"
)

const (
	UseCaseFaceRecognition = "face_recognition"
	UseCaseLiveStream      = "live_stream"

	BackendHTTP       = "http"
	BackendSubprocess = "subprocess"

	DefaultFileName = "cameras.yaml"
)

// Environment overrides, read after .env is loaded.
const (
	EnvAPIBaseURL = "SENTINEL_API_BASE_URL"
	EnvAPIKey     = "SENTINEL_API_KEY"
	EnvLocationID = "SENTINEL_LOCATION_ID"
	EnvStoreURL   = "SENTINEL_DB_URL"
)

type Config struct {
	Location  Location    `yaml:"location"`
	API       API         `yaml:"api"`
	Inference Inference   `yaml:"inference"`
	Store     Store       `yaml:"store"`
	Server    Server      `yaml:"server"`
	Log       Log         `yaml:"log"`
	Quality   Quality     `yaml:"quality"`
	Fusion    Fusion      `yaml:"fusion"`
	Pose      pose.Params `yaml:"pose"`
	Upload    Upload      `yaml:"upload"`
	Cameras   []Camera    `yaml:"cameras"`
}

type Location struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
}

type API struct {
	BaseURL        string  `yaml:"base_url"`
	Key            string  `yaml:"key"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
}

func (a API) Timeout() time.Duration { return seconds(a.TimeoutSeconds) }

// Inference selects the model backend. Each camera worker gets its own
// backend handle.
type Inference struct {
	Backend string   `yaml:"backend"`
	URL     string   `yaml:"url"`
	Command []string `yaml:"command"`
}

// Store is the optional local postgres store. Empty URL disables it.
type Store struct {
	URL string `yaml:"url"`
}

// Server is the optional status server. Empty Addr disables it.
type Server struct {
	Addr string `yaml:"addr"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Quality struct {
	Thresholds quality.Thresholds  `yaml:"thresholds"`
	Importance quality.Importance  `yaml:"importance"`
	BaseScore  float64             `yaml:"base_score"`
	Crop       utils.CropFractions `yaml:"crop"`
}

type Fusion struct {
	TopN        int     `yaml:"top_n"`
	WeightPower float64 `yaml:"weight_power"`
	SkipStart   int     `yaml:"skip_start"`
	SkipEnd     int     `yaml:"skip_end"`
}

// Upload shapes the representative image sent with an identification.
type Upload struct {
	Enabled     bool    `yaml:"enabled"`
	Padding     float64 `yaml:"padding"`
	MaxWidth    int     `yaml:"max_width"`
	JPEGQuality int     `yaml:"jpeg_quality"`
}

type Camera struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	RTSPURL  string   `yaml:"rtsp_url"`
	UseCase  string   `yaml:"use_case"`
	Enabled  bool     `yaml:"enabled"`
	Settings Settings `yaml:"settings"`
}

// Settings are the per-camera face recognition knobs.
type Settings struct {
	TargetWidth            int     `yaml:"target_width"`
	ProcessEveryNFrames    int     `yaml:"process_every_n_frames"`
	QualityCaptureDuration float64 `yaml:"quality_capture_duration"`
	QualityFrameSkip       int     `yaml:"quality_frame_skip"`
	SimilarityThreshold    float64 `yaml:"similarity_threshold"`
	CooldownSeconds        float64 `yaml:"cooldown_seconds"`
	MinQualityScore        float64 `yaml:"min_quality_score"`
	MinDetectionScore      float64 `yaml:"min_detection_score"`
}

func (s Settings) CaptureDuration() time.Duration { return seconds(s.QualityCaptureDuration) }
func (s Settings) Cooldown() time.Duration        { return seconds(s.CooldownSeconds) }

func seconds(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

// Source returns the stream address with any credentials removed, for display.
func (c Camera) Source() string {
	if i := strings.LastIndex(c.RTSPURL, "@"); i >= 0 {
		if u, err := url.Parse(c.RTSPURL); err == nil {
			return u.Host + u.Path
		}
		return c.RTSPURL[i+1:]
	}
	return c.RTSPURL
}

func DefaultSettings() Settings {
	return Settings{
		TargetWidth:            1280,
		ProcessEveryNFrames:    5,
		QualityCaptureDuration: 5.0,
		QualityFrameSkip:       3,
		SimilarityThreshold:    0.45,
		CooldownSeconds:        10,
		MinQualityScore:        350,
		MinDetectionScore:      0.70,
	}
}

func DefaultCamera() Camera {
	return Camera{
		ID:       "unknown",
		Name:     "Unknown Camera",
		UseCase:  UseCaseFaceRecognition,
		Enabled:  true,
		Settings: DefaultSettings(),
	}
}

// Default returns a configuration with every default filled in and no
// cameras.
func Default() *Config {
	fd := fusion.DefaultParams()
	return &Config{
		Location: Location{ID: 1, Name: "Unknown Location"},
		API:      API{TimeoutSeconds: 10},
		Inference: Inference{
			Backend: BackendHTTP,
			URL:     "http://localhost:8000",
		},
		Log: Log{Level: "info", Format: "console"},
		Quality: Quality{
			Thresholds: quality.DefaultThresholds(),
			Importance: quality.DefaultImportance(),
			BaseScore:  quality.DefaultBaseScore,
			Crop:       capture.DefaultCrop,
		},
		Fusion: Fusion{TopN: fd.TopN, WeightPower: fd.WeightPower, SkipStart: 2, SkipEnd: 1},
		Pose:   pose.DefaultParams(),
		Upload: Upload{Enabled: true, Padding: 0.4, MaxWidth: 400, JPEGQuality: 85},
	}
}

// Parse overlays data on the defaults. Each camera starts from
// DefaultCamera. It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var raw struct {
		Cameras []yaml.Node `yaml:"cameras"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse cameras: %w", err)
	}
	cfg.Cameras = make([]Camera, 0, len(raw.Cameras))
	for i := range raw.Cameras {
		cam := DefaultCamera()
		if err := raw.Cameras[i].Decode(&cam); err != nil {
			return nil, fmt.Errorf("camera %d: %w", i, err)
		}
		cfg.Cameras = append(cfg.Cameras, cam)
	}
	return cfg, nil
}

// Load reads path (or the first cameras.yaml on the search path when empty),
// applies .env and environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		found, err := Find()
		if err != nil {
			return nil, err
		}
		path = found
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// A missing .env is normal in production.
	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SearchPaths lists where Find looks for cameras.yaml, in order.
func SearchPaths() []string {
	paths := []string{DefaultFileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, DefaultFileName))
	}
	return append(paths, filepath.Join("/etc/sentinel-edge", DefaultFileName))
}

func Find() (string, error) {
	paths := SearchPaths()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s not found. Searched: %v", DefaultFileName, paths)
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvAPIBaseURL); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.API.Key = v
	}
	if v := os.Getenv(EnvStoreURL); v != "" {
		c.Store.URL = v
	}
	if v := os.Getenv(EnvLocationID); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvLocationID, v, err)
		}
		c.Location.ID = id
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Location.ID <= 0 {
		add("location ID must be positive")
	}
	if c.API.BaseURL == "" {
		add("API base_url is required")
	}
	if c.API.Key == "" {
		add("API key is required")
	}

	switch c.Inference.Backend {
	case BackendHTTP:
		if c.Inference.URL == "" {
			add("inference url is required for the http backend")
		}
	case BackendSubprocess:
	default:
		add("invalid inference backend %q", c.Inference.Backend)
	}

	if c.Log.Format != "console" && c.Log.Format != "json" {
		add("invalid log format %q", c.Log.Format)
	}

	errs = append(errs, validateQuality(c.Quality)...)

	if c.Fusion.TopN < 1 {
		add("fusion top_n must be at least 1")
	}
	if c.Fusion.WeightPower <= 0 {
		add("fusion weight_power must be positive")
	}
	if c.Fusion.SkipStart < 0 || c.Fusion.SkipEnd < 0 {
		add("fusion skip_start and skip_end must not be negative")
	}
	if c.Upload.Enabled && (c.Upload.MaxWidth <= 0 || c.Upload.JPEGQuality < 1 || c.Upload.JPEGQuality > 100) {
		add("upload max_width must be positive and jpeg_quality in [1,100]")
	}

	if len(c.Cameras) == 0 {
		add("at least one camera must be configured")
	}
	seen := make(map[string]bool)
	for _, cam := range c.Cameras {
		if seen[cam.ID] {
			add("duplicate camera ID: %s", cam.ID)
		}
		seen[cam.ID] = true

		if cam.RTSPURL == "" {
			add("camera %s: rtsp_url is required", cam.ID)
		}
		if cam.UseCase != UseCaseFaceRecognition && cam.UseCase != UseCaseLiveStream {
			add("camera %s: invalid use_case '%s'", cam.ID, cam.UseCase)
			continue
		}
		if cam.UseCase == UseCaseFaceRecognition {
			errs = append(errs, validateSettings(cam.ID, cam.Settings)...)
		}
	}

	return errors.Join(errs...)
}

func validateSettings(id string, s Settings) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("camera %s: "+format, append([]any{id}, args...)...))
	}
	if s.TargetWidth <= 0 {
		add("target_width must be positive")
	}
	if s.ProcessEveryNFrames < 1 {
		add("process_every_n_frames must be at least 1")
	}
	if s.QualityFrameSkip < 1 {
		add("quality_frame_skip must be at least 1")
	}
	if s.QualityCaptureDuration <= 0 {
		add("quality_capture_duration must be positive")
	}
	if s.CooldownSeconds < 0 {
		add("cooldown_seconds must not be negative")
	}
	if s.SimilarityThreshold < 0 || s.SimilarityThreshold > 1 {
		add("similarity_threshold must be in [0,1]")
	}
	if s.MinDetectionScore < 0 || s.MinDetectionScore > 1 {
		add("min_detection_score must be in [0,1]")
	}
	if s.MinQualityScore < 0 {
		add("min_quality_score must not be negative")
	}
	return errs
}

func validateQuality(q Quality) []error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf("quality: "+format, args...)) }
	t := q.Thresholds

	if !(t.FaceSize.ZeroPx < t.FaceSize.CriticalPx && t.FaceSize.CriticalPx <= t.FaceSize.GoodPx) {
		add("face_size needs zero_px < critical_px <= good_px")
	}
	if !(t.Sharpness.Critical < t.Sharpness.Good) {
		add("sharpness needs critical < good")
	}
	if !(t.Contrast.Critical < t.Contrast.Good) {
		add("contrast needs critical < good")
	}
	b := t.Brightness
	if !(b.CriticalLow < b.GoodLow && b.GoodLow <= b.GoodHigh && b.GoodHigh < b.CriticalHigh) {
		add("brightness needs critical_low < good_low <= good_high < critical_high")
	}
	f := t.Frontality
	if !(f.GoodYaw < f.CriticalYaw) || !(f.GoodPitch < f.CriticalPitch) {
		add("frontality needs good angles below critical angles")
	}

	imp := map[string]float64{
		"frontality": q.Importance.Frontality,
		"sharpness":  q.Importance.Sharpness,
		"face_size":  q.Importance.FaceSize,
		"brightness": q.Importance.Brightness,
		"contrast":   q.Importance.Contrast,
	}
	for _, name := range []string{"frontality", "sharpness", "face_size", "brightness", "contrast"} {
		if v := imp[name]; v < 0 || v > 10 {
			add("importance %s must be in [0,10], got %g", name, v)
		}
	}
	if q.BaseScore <= 0 {
		add("base_score must be positive")
	}
	c := q.Crop
	if c.Left < 0 || c.Right < 0 || c.Top < 0 || c.Bottom < 0 || c.Left+c.Right >= 1 || c.Top+c.Bottom >= 1 {
		add("crop fractions must be non-negative and leave part of the frame")
	}
	return errs
}

// CameraByID returns nil when no camera has that id.
func (c *Config) CameraByID(id string) *Camera {
	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			return &c.Cameras[i]
		}
	}
	return nil
}

// CamerasByUseCase returns enabled cameras with the given use case.
func (c *Config) CamerasByUseCase(useCase string) []Camera {
	var out []Camera
	for _, cam := range c.Cameras {
		if cam.Enabled && cam.UseCase == useCase {
			out = append(out, cam)
		}
	}
	return out
}

func (c *Config) EnabledFaceCameras() []Camera {
	return c.CamerasByUseCase(UseCaseFaceRecognition)
}

// QualityConfig assembles the scorer configuration for one camera.
func (c *Config) QualityConfig(cam Camera) quality.Config {
	qc := quality.DefaultConfig()
	qc.Thresholds = c.Quality.Thresholds
	qc.Importance = c.Quality.Importance
	qc.BaseScore = c.Quality.BaseScore
	qc.MinConfidence = cam.Settings.MinDetectionScore
	return qc
}

// FusionParams assembles the fusion parameters for one camera.
func (c *Config) FusionParams(cam Camera) fusion.Params {
	return fusion.Params{
		TopN:          c.Fusion.TopN,
		WeightPower:   c.Fusion.WeightPower,
		MinQuality:    cam.Settings.MinQualityScore,
		MinConfidence: cam.Settings.MinDetectionScore,
	}
}
