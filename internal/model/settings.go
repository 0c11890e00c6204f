package model

import (
	"errors"
	"fmt"
)

// MockCameraIP selects the in-process mock camera when used as camera_ip_address.
const MockCameraIP = "mock"

// CameraSettings configures the camera. Field names follow the worker wire format.
type CameraSettings struct {
	CameraIPAddress string   `json:"camera_ip_address" yaml:"camera_ip_address"`
	ExposureTime    float64  `json:"exposure_time" yaml:"exposure_time"` // microseconds
	Gain            float64  `json:"gain" yaml:"gain"`
	Gamma           float64  `json:"gamma" yaml:"gamma"`
	NumFrames       int      `json:"num_frames" yaml:"num_frames"`
	SecondsPerRot   float64  `json:"seconds_per_rot" yaml:"seconds_per_rot"`
	Brightness      *float64 `json:"brightness,omitempty" yaml:"brightness,omitempty"`
	Contrast        *float64 `json:"contrast,omitempty" yaml:"contrast,omitempty"`
	Width           *int     `json:"width,omitempty" yaml:"width,omitempty"`
	Height          *int     `json:"height,omitempty" yaml:"height,omitempty"`
}

func DefaultCameraSettings() CameraSettings {
	return CameraSettings{
		CameraIPAddress: MockCameraIP,
		ExposureTime:    10000,
		Gain:            0,
		Gamma:           1.0,
		NumFrames:       72,
		SecondsPerRot:   36.0,
	}
}

func (s CameraSettings) IsMock() bool {
	return s.CameraIPAddress == MockCameraIP
}

func (s CameraSettings) Validate() error {
	var errs []error
	if s.CameraIPAddress == "" {
		errs = append(errs, errors.New("camera_ip_address must not be empty"))
	}
	if s.ExposureTime <= 0 {
		errs = append(errs, fmt.Errorf("exposure_time must be positive, got %g", s.ExposureTime))
	}
	if s.Gain < 0 {
		errs = append(errs, fmt.Errorf("gain must not be negative, got %g", s.Gain))
	}
	if s.Gamma <= 0 {
		errs = append(errs, fmt.Errorf("gamma must be positive, got %g", s.Gamma))
	}
	if s.NumFrames <= 0 {
		errs = append(errs, fmt.Errorf("num_frames must be positive, got %d", s.NumFrames))
	}
	if s.SecondsPerRot <= 0 {
		errs = append(errs, fmt.Errorf("seconds_per_rot must be positive, got %g", s.SecondsPerRot))
	}
	if s.Width != nil && *s.Width <= 0 {
		errs = append(errs, fmt.Errorf("width must be positive, got %d", *s.Width))
	}
	if s.Height != nil && *s.Height <= 0 {
		errs = append(errs, fmt.Errorf("height must be positive, got %d", *s.Height))
	}
	return errors.Join(errs...)
}

// TurntableSettings configures the stepper driven turntable.
type TurntableSettings struct {
	DeviceName         string  `json:"device_name" yaml:"device_name"`
	SamplingRate       int     `json:"sampling_rate" yaml:"sampling_rate"`
	StepPin            int     `json:"step_pin" yaml:"step_pin"`
	DirPin             int     `json:"dir_pin" yaml:"dir_pin"`
	StepsPerRevolution int     `json:"steps_per_revolution" yaml:"steps_per_revolution"`
	NumFrames          int     `json:"num_frames" yaml:"num_frames"`
	SecondsPerRot      float64 `json:"seconds_per_rot" yaml:"seconds_per_rot"`
}

func DefaultTurntableSettings() TurntableSettings {
	return TurntableSettings{
		DeviceName:         "cDAQ1Mod1",
		SamplingRate:       40000,
		StepPin:            0,
		DirPin:             1,
		StepsPerRevolution: 6400,
		NumFrames:          72,
		SecondsPerRot:      7.0,
	}
}

func (s TurntableSettings) Validate() error {
	var errs []error
	if s.DeviceName == "" {
		errs = append(errs, errors.New("device_name must not be empty"))
	}
	if s.SamplingRate <= 0 {
		errs = append(errs, fmt.Errorf("sampling_rate must be positive, got %d", s.SamplingRate))
	}
	if s.StepPin < 0 || s.DirPin < 0 {
		errs = append(errs, fmt.Errorf("pins must not be negative, got step_pin=%d dir_pin=%d", s.StepPin, s.DirPin))
	}
	if s.StepPin == s.DirPin {
		errs = append(errs, fmt.Errorf("step_pin and dir_pin must differ, both are %d", s.StepPin))
	}
	if s.StepsPerRevolution <= 0 {
		errs = append(errs, fmt.Errorf("steps_per_revolution must be positive, got %d", s.StepsPerRevolution))
	}
	if s.NumFrames <= 0 {
		errs = append(errs, fmt.Errorf("num_frames must be positive, got %d", s.NumFrames))
	}
	if s.SecondsPerRot <= 0 {
		errs = append(errs, fmt.Errorf("seconds_per_rot must be positive, got %g", s.SecondsPerRot))
	}
	return errors.Join(errs...)
}

// ScanMetadata identifies the scanned specimen. A scan without metadata is
// captured to disk but never persisted.
type ScanMetadata struct {
	ExperimentID    string `json:"experiment_id" yaml:"experiment_id"`
	OperatorID      string `json:"operator_id" yaml:"operator_id"`
	SpecimenID      string `json:"specimen_id" yaml:"specimen_id"`
	WaveNumber      int    `json:"wave_number" yaml:"wave_number"`
	SpecimenAgeDays int    `json:"specimen_age_days" yaml:"specimen_age_days"`
}

func (m ScanMetadata) Validate() error {
	var errs []error
	if m.ExperimentID == "" {
		errs = append(errs, errors.New("experiment_id must not be empty"))
	}
	if m.OperatorID == "" {
		errs = append(errs, errors.New("operator_id must not be empty"))
	}
	if m.SpecimenID == "" {
		errs = append(errs, errors.New("specimen_id must not be empty"))
	}
	if m.WaveNumber < 0 {
		errs = append(errs, fmt.Errorf("wave_number must not be negative, got %d", m.WaveNumber))
	}
	if m.SpecimenAgeDays < 0 {
		errs = append(errs, fmt.Errorf("specimen_age_days must not be negative, got %d", m.SpecimenAgeDays))
	}
	return errors.Join(errs...)
}

// ScanSettings is the immutable input of one scan session.
type ScanSettings struct {
	Camera     CameraSettings
	Turntable  TurntableSettings
	NumFrames  int
	OutputPath string
	Metadata   *ScanMetadata
}

// Normalize validates the settings and returns a copy with camera and turntable
// frame counts forced to NumFrames.
func (s ScanSettings) Normalize() (ScanSettings, error) {
	var errs []error
	if s.NumFrames <= 0 {
		errs = append(errs, fmt.Errorf("num_frames must be positive, got %d", s.NumFrames))
	}
	if s.OutputPath == "" {
		errs = append(errs, errors.New("output_path must not be empty"))
	}
	if len(errs) > 0 {
		return ScanSettings{}, errors.Join(errs...)
	}

	s.Camera.NumFrames = s.NumFrames
	s.Turntable.NumFrames = s.NumFrames
	if err := s.Camera.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("camera: %w", err))
	}
	if err := s.Turntable.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("turntable: %w", err))
	}
	if s.Metadata != nil {
		meta := *s.Metadata
		if err := meta.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("metadata: %w", err))
		}
		s.Metadata = &meta
	}
	if len(errs) > 0 {
		return ScanSettings{}, errors.Join(errs...)
	}
	return s, nil
}
