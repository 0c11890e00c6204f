package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	UploadBackendNone = "none"
	UploadBackendHTTP = "http"
	UploadBackendGCS  = "gcs"
	UploadBackendDir  = "dir"
)

type Config struct {
	Version   int               `yaml:"version"` // fixed 0 for now
	ScansDir  string            `yaml:"scans_dir"`
	Database  string            `yaml:"database"`
	Worker    Worker            `yaml:"worker"`
	Hardware  Hardware          `yaml:"hardware"`
	Camera    CameraSettings    `yaml:"camera"`
	Turntable TurntableSettings `yaml:"turntable"`
	Scan      Scan              `yaml:"scan"`
	Upload    Upload            `yaml:"upload"`
	Service   Service           `yaml:"service"`
}

// Worker describes the hardware worker subprocess. An empty Path re-executes
// the running binary with the hidden _worker command.
type Worker struct {
	Path           string   `yaml:"path,omitempty"`
	Args           []string `yaml:"args,omitempty"`
	Env            []string `yaml:"env,omitempty"`
	StartupTimeout Duration `yaml:"startup_timeout"`
	CommandTimeout Duration `yaml:"command_timeout"`
}

type Hardware struct {
	Mock           bool   `yaml:"mock"`
	FixturesDir    string `yaml:"fixtures_dir,omitempty"`
	SimulateTiming bool   `yaml:"simulate_timing"`
}

type Scan struct {
	NumFrames      int      `yaml:"num_frames"`
	PersistPartial bool     `yaml:"persist_partial"`
	Stabilization  Duration `yaml:"stabilization"`
	UploadAfter    bool     `yaml:"upload_after"`
}

type Upload struct {
	Backend         string `yaml:"backend"`
	URL             URL    `yaml:"url,omitempty"`
	Bucket          string `yaml:"bucket,omitempty"`
	Email           string `yaml:"email,omitempty"`
	Password        string `yaml:"password,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	Dir             string `yaml:"dir,omitempty"`
	Schedule        string `yaml:"schedule,omitempty"`
}

type Service struct {
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns a configuration running against mock hardware
// with uploads disabled.
func DefaultConfig() Config {
	return Config{
		ScansDir: filepath.Join("~", "bloom", "scans"),
		Database: filepath.Join("~", "bloom", "bloom.db"),
		Worker: Worker{
			StartupTimeout: Duration(15 * time.Second),
			CommandTimeout: Duration(30 * time.Second),
		},
		Hardware:  Hardware{Mock: true},
		Camera:    DefaultCameraSettings(),
		Turntable: DefaultTurntableSettings(),
		Scan: Scan{
			NumFrames:     72,
			Stabilization: Duration(50 * time.Millisecond),
		},
		Upload: Upload{Backend: UploadBackendNone},
	}
}

// LoadConfig decodes YAML from r on top of DefaultConfig, applies BLOOM_*
// environment overrides and validates the result.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides credentials and paths from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := []struct {
		name string
		dst  *string
	}{
		{"BLOOM_SCANS_DIR", &c.ScansDir},
		{"BLOOM_DATABASE", &c.Database},
		{"BLOOM_CAMERA_IP", &c.Camera.CameraIPAddress},
		{"BLOOM_UPLOAD_BACKEND", &c.Upload.Backend},
		{"BLOOM_UPLOAD_BUCKET", &c.Upload.Bucket},
		{"BLOOM_UPLOAD_EMAIL", &c.Upload.Email},
		{"BLOOM_UPLOAD_PASSWORD", &c.Upload.Password},
		{"BLOOM_UPLOAD_CREDENTIALS_FILE", &c.Upload.CredentialsFile},
	}
	for _, s := range strs {
		if v, ok := lookup(s.name); ok {
			*s.dst = v
		}
	}
	if v, ok := lookup("BLOOM_UPLOAD_URL"); ok {
		if err := c.Upload.URL.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("BLOOM_UPLOAD_URL: %w", err)
		}
	}
	return nil
}

// Validate returns all problems found joined together.
func (c Config) Validate() error {
	var errs []error
	if c.Version != 0 {
		errs = append(errs, fmt.Errorf("version %d is not supported, expected 0", c.Version))
	}
	if c.ScansDir == "" {
		errs = append(errs, errors.New("scans_dir must not be empty"))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database must not be empty"))
	}
	if c.Scan.NumFrames <= 0 {
		errs = append(errs, fmt.Errorf("scan.num_frames must be positive, got %d", c.Scan.NumFrames))
	}
	camera := c.Camera
	camera.NumFrames = max(c.Scan.NumFrames, 1)
	if err := camera.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("camera: %w", err))
	}
	turntable := c.Turntable
	turntable.NumFrames = max(c.Scan.NumFrames, 1)
	if err := turntable.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("turntable: %w", err))
	}
	if err := c.Upload.validate(); err != nil {
		errs = append(errs, fmt.Errorf("upload: %w", err))
	}
	return errors.Join(errs...)
}

func (u Upload) validate() error {
	var errs []error
	switch u.Backend {
	case UploadBackendNone, "":
		return nil
	case UploadBackendHTTP:
		if u.URL.IsZero() {
			errs = append(errs, errors.New("url is required for http backend"))
		}
		if u.Bucket == "" {
			errs = append(errs, errors.New("bucket is required for http backend"))
		}
		if u.Email == "" || u.Password == "" {
			errs = append(errs, errors.New("email and password are required for http backend"))
		}
	case UploadBackendGCS:
		if u.Bucket == "" {
			errs = append(errs, errors.New("bucket is required for gcs backend"))
		}
	case UploadBackendDir:
		if u.Dir == "" {
			errs = append(errs, errors.New("dir is required for dir backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend %q: %w", u.Backend, ErrInvalidValue))
	}
	if u.Schedule != "" {
		if _, err := ParseSchedule(u.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("schedule: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ScanSettings builds the settings of a single scan from the configuration.
func (c Config) ScanSettings(outputPath string, meta *ScanMetadata) ScanSettings {
	camera := c.Camera
	if c.Hardware.Mock {
		camera.CameraIPAddress = MockCameraIP
	}
	return ScanSettings{
		Camera:     camera,
		Turntable:  c.Turntable,
		NumFrames:  c.Scan.NumFrames,
		OutputPath: outputPath,
		Metadata:   meta,
	}
}
