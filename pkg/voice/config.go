package voice

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Fallback coordinates (University of Arizona) used when the caller opts
// into a default location.
const (
	DefaultLatitude  = 32.2319
	DefaultLongitude = -110.9501
)

// AudioConfig holds device-side audio settings.
type AudioConfig struct {
	CaptureSampleRate int  `yaml:"capture_sample_rate"`
	BufferSize        int  `yaml:"buffer_size"`
	OutputBufferSize  int  `yaml:"output_buffer_size"`
	CaptureDeviceID   *int `yaml:"capture_device_id,omitempty"`
	OutputDeviceID    *int `yaml:"output_device_id,omitempty"`
}

// NewAudioConfig returns the default audio settings.
func NewAudioConfig() AudioConfig {
	return AudioConfig{
		CaptureSampleRate: 48000,
		BufferSize:        4096,
		OutputBufferSize:  480,
	}
}

type Config struct {
	VoiceEndpoint      string           `yaml:"voice_endpoint"`
	ChatEndpoint       string           `yaml:"chat_endpoint"`
	Latitude           *float64         `yaml:"latitude,omitempty"`
	Longitude          *float64         `yaml:"longitude,omitempty"`
	APIKey             string           `yaml:"api_key,omitempty"`
	TokenTTL           time.Duration    `yaml:"token_ttl"`
	Audio              AudioConfig      `yaml:"audio"`
	SendQueueSize      int              `yaml:"send_queue_size"`
	VolumeInterval     time.Duration    `yaml:"volume_interval"`
	TranscriptPolicy   TranscriptPolicy `yaml:"transcript_policy"`
	ResampleCarryPhase bool             `yaml:"resample_carry_phase"`
	DialTimeout        time.Duration    `yaml:"dial_timeout"`
	CloseTimeout       time.Duration    `yaml:"close_timeout"`
	LogLevel           string           `yaml:"log_level"`
	LogPretty          bool             `yaml:"log_pretty"`
}

// NewConfig returns a configuration populated with defaults only.
func NewConfig() *Config {
	return &Config{
		VoiceEndpoint:    "ws://localhost:8000/voice",
		ChatEndpoint:     "http://localhost:8000",
		TokenTTL:         10 * time.Minute,
		Audio:            NewAudioConfig(),
		SendQueueSize:    32,
		VolumeInterval:   16 * time.Millisecond,
		TranscriptPolicy: PolicyPreferLocal,
		DialTimeout:      10 * time.Second,
		CloseTimeout:     2 * time.Second,
		LogLevel:         "INFO",
		LogPretty:        true,
	}
}

// LoadConfig builds a configuration from defaults, the YAML file at path
// (skipped when path is empty), then environment variables. A .env file in
// the working directory is loaded first if present.
func LoadConfig(path string) (*Config, error) {
	c := NewConfig()
	if path != "" {
		if err := c.loadFile(path); err != nil {
			return nil, err
		}
	}
	_ = godotenv.Load()
	if err := c.loadFromEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadConfigFile reads a YAML configuration over the defaults, without
// consulting the environment.
func LoadConfigFile(path string) (*Config, error) {
	c := NewConfig()
	if err := c.loadFile(path); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return WrapErrorMessage(err, "read config file", ErrCodeConfigInvalid).AddDetail("path", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return WrapErrorMessage(err, "parse config file", ErrCodeConfigInvalid).AddDetail("path", path)
	}
	return nil
}

func (c *Config) loadFromEnv() error {
	if v := os.Getenv("DISHCOVERY_VOICE_ENDPOINT"); v != "" {
		c.VoiceEndpoint = v
	}
	if v := os.Getenv("DISHCOVERY_CHAT_ENDPOINT"); v != "" {
		c.ChatEndpoint = v
	}
	if v := os.Getenv("DISHCOVERY_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("DISHCOVERY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DISHCOVERY_LOG_PRETTY"); v != "" {
		c.LogPretty = v == "true"
	}
	if v := os.Getenv("DISHCOVERY_TRANSCRIPT_POLICY"); v != "" {
		c.TranscriptPolicy = TranscriptPolicy(v)
	}
	if v := os.Getenv("DISHCOVERY_RESAMPLE_CARRY_PHASE"); v != "" {
		c.ResampleCarryPhase = v == "true"
	}

	floats := []struct {
		key string
		dst **float64
	}{
		{"DISHCOVERY_LAT", &c.Latitude},
		{"DISHCOVERY_LNG", &c.Longitude},
	}
	for _, f := range floats {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		val, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return NewConfigError(fmt.Sprintf("%s: %v", f.key, err))
		}
		*f.dst = &val
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"DISHCOVERY_CAPTURE_SAMPLE_RATE", &c.Audio.CaptureSampleRate},
		{"DISHCOVERY_BUFFER_SIZE", &c.Audio.BufferSize},
		{"DISHCOVERY_SEND_QUEUE_SIZE", &c.SendQueueSize},
	}
	for _, f := range ints {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		val, err := strconv.Atoi(v)
		if err != nil {
			return NewConfigError(fmt.Sprintf("%s: %v", f.key, err))
		}
		*f.dst = val
	}

	devices := []struct {
		key string
		dst **int
	}{
		{"DISHCOVERY_CAPTURE_DEVICE_ID", &c.Audio.CaptureDeviceID},
		{"DISHCOVERY_OUTPUT_DEVICE_ID", &c.Audio.OutputDeviceID},
	}
	for _, f := range devices {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		val, err := strconv.Atoi(v)
		if err != nil {
			return NewConfigError(fmt.Sprintf("%s: %v", f.key, err))
		}
		*f.dst = &val
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DISHCOVERY_TOKEN_TTL", &c.TokenTTL},
		{"DISHCOVERY_VOLUME_INTERVAL", &c.VolumeInterval},
		{"DISHCOVERY_DIAL_TIMEOUT", &c.DialTimeout},
		{"DISHCOVERY_CLOSE_TIMEOUT", &c.CloseTimeout},
	}
	for _, f := range durations {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		val, err := time.ParseDuration(v)
		if err != nil {
			return NewConfigError(fmt.Sprintf("%s: %v", f.key, err))
		}
		*f.dst = val
	}
	return nil
}

// SetLocation pins the session coordinates.
func (c *Config) SetLocation(lat, lng float64) {
	c.Latitude = &lat
	c.Longitude = &lng
}

// VoiceURL returns the connect URL with the lat and lng query parameters.
// Unknown coordinates are sent as empty strings.
func (c *Config) VoiceURL() (string, error) {
	u, err := url.Parse(c.VoiceEndpoint)
	if err != nil {
		return "", WrapErrorMessage(err, "invalid voice endpoint", ErrCodeConfigInvalid)
	}
	q := u.Query()
	q.Set("lat", formatCoord(c.Latitude))
	q.Set("lng", formatCoord(c.Longitude))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func formatCoord(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// Validate returns list of issues
func (c *Config) Validate() []string {
	issues := []string{}

	if !strings.HasPrefix(c.VoiceEndpoint, "ws://") && !strings.HasPrefix(c.VoiceEndpoint, "wss://") {
		issues = append(issues, fmt.Sprintf("Invalid voice endpoint (want ws:// or wss://): %q", c.VoiceEndpoint))
	}
	if !strings.HasPrefix(c.ChatEndpoint, "http://") && !strings.HasPrefix(c.ChatEndpoint, "https://") {
		issues = append(issues, fmt.Sprintf("Invalid chat endpoint (want http:// or https://): %q", c.ChatEndpoint))
	}
	if c.Latitude != nil && (*c.Latitude < -90 || *c.Latitude > 90) {
		issues = append(issues, fmt.Sprintf("Latitude out of range: %v", *c.Latitude))
	}
	if c.Longitude != nil && (*c.Longitude < -180 || *c.Longitude > 180) {
		issues = append(issues, fmt.Sprintf("Longitude out of range: %v", *c.Longitude))
	}
	if (c.Latitude == nil) != (c.Longitude == nil) {
		issues = append(issues, "Latitude and longitude must be set together")
	}
	if c.Audio.CaptureSampleRate < 8000 {
		issues = append(issues, fmt.Sprintf("Capture sample rate too low: %d", c.Audio.CaptureSampleRate))
	}
	if c.Audio.BufferSize <= 0 {
		issues = append(issues, "Buffer size must be positive")
	}
	if c.Audio.OutputBufferSize <= 0 {
		issues = append(issues, "Output buffer size must be positive")
	}
	if c.SendQueueSize <= 0 {
		issues = append(issues, "Send queue size must be positive")
	}
	if c.VolumeInterval <= 0 {
		issues = append(issues, "Volume interval must be positive")
	}
	if !c.TranscriptPolicy.Valid() {
		issues = append(issues, fmt.Sprintf("Invalid transcript policy: %s", c.TranscriptPolicy))
	}
	if c.APIKey != "" && c.TokenTTL <= 0 {
		issues = append(issues, "Token TTL must be positive when an API key is set")
	}

	validLevels := []string{"TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "OFF"}
	found := false
	for _, level := range validLevels {
		if strings.EqualFold(level, c.LogLevel) {
			found = true
			break
		}
	}
	if !found {
		issues = append(issues, fmt.Sprintf("Invalid log level: %s", c.LogLevel))
	}

	return issues
}

// LogConfig derives a logger configuration from the log settings.
func (c *Config) LogConfig() *LogConfig {
	lc := DefaultLogConfig()
	lc.Level = ParseLogLevel(c.LogLevel)
	lc.Pretty = c.LogPretty
	return lc
}

func (c *Config) PrintConfig() {
	fmt.Println("Dishcovery Voice Configuration")
	fmt.Println("==================================================")

	if c.APIKey != "" {
		fmt.Printf("API Key: %s\n", MaskSecret(c.APIKey))
	} else {
		fmt.Println("API Key: NOT SET (unauthenticated)")
	}
	fmt.Printf("Voice Endpoint: %s\n", c.VoiceEndpoint)
	fmt.Printf("Chat Endpoint: %s\n", c.ChatEndpoint)
	if c.Latitude != nil && c.Longitude != nil {
		fmt.Printf("Location: %v, %v\n", *c.Latitude, *c.Longitude)
	} else {
		fmt.Println("Location: unknown")
	}
	fmt.Printf("Capture Sample Rate: %d Hz\n", c.Audio.CaptureSampleRate)
	fmt.Printf("Capture Buffer Size: %d samples\n", c.Audio.BufferSize)
	fmt.Printf("Output Buffer Size: %d samples\n", c.Audio.OutputBufferSize)
	fmt.Printf("Send Queue Size: %d frames\n", c.SendQueueSize)
	fmt.Printf("Volume Interval: %v\n", c.VolumeInterval)
	fmt.Printf("Transcript Policy: %s\n", c.TranscriptPolicy)
	fmt.Printf("Resample Carry Phase: %t\n", c.ResampleCarryPhase)
	fmt.Printf("Log Level: %s\n", c.LogLevel)

	if c.Audio.CaptureDeviceID != nil {
		fmt.Printf("Capture Device ID: %d\n", *c.Audio.CaptureDeviceID)
	} else {
		fmt.Println("Capture Device: Default")
	}
	if c.Audio.OutputDeviceID != nil {
		fmt.Printf("Output Device ID: %d\n", *c.Audio.OutputDeviceID)
	} else {
		fmt.Println("Output Device: Default")
	}
}

// MaskSecret hides all but the edges of a secret for display.
func MaskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
