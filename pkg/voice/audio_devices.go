package voice

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// AudioDevice describes one PortAudio device.
type AudioDevice struct {
	ID                int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	IsDefaultInput    bool
	IsDefaultOutput   bool
	HostAPI           string
}

func (d AudioDevice) IsInput() bool  { return d.MaxInputChannels > 0 }
func (d AudioDevice) IsOutput() bool { return d.MaxOutputChannels > 0 }

// AudioDeviceManager enumerates and probes audio devices. Initialize must
// be paired with Cleanup.
type AudioDeviceManager struct {
	mu      sync.RWMutex
	devices []AudioDevice
	logger  *Logger
	base    *Logger
}

func NewAudioDeviceManager(logger *Logger) *AudioDeviceManager {
	return &AudioDeviceManager{
		logger: componentLogger(logger, "AudioDeviceManager"),
		base:   logger,
	}
}

// Initialize initializes PortAudio and loads the device list.
func (adm *AudioDeviceManager) Initialize() error {
	adm.mu.Lock()
	defer adm.mu.Unlock()

	if err := portaudio.Initialize(); err != nil {
		adm.logger.WithError(err).Error("Failed to initialize PortAudio")
		return NewDeviceError("initialize PortAudio", err)
	}

	if err := adm.refreshDevices(); err != nil {
		adm.logger.WithError(err).Error("Failed to refresh device list")
		return err
	}

	adm.logger.WithField("device_count", len(adm.devices)).Debug("Audio device manager initialized")
	return nil
}

func (adm *AudioDeviceManager) Cleanup() {
	adm.mu.Lock()
	defer adm.mu.Unlock()

	if err := portaudio.Terminate(); err != nil {
		adm.logger.WithError(err).Warn("Failed to terminate PortAudio")
	}
}

func (adm *AudioDeviceManager) refreshDevices() error {
	defaultInput, err := portaudio.DefaultInputDevice()
	if err != nil {
		adm.logger.WithError(err).Warn("No default input device")
	}
	defaultOutput, err := portaudio.DefaultOutputDevice()
	if err != nil {
		adm.logger.WithError(err).Warn("No default output device")
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return NewDeviceError("enumerate devices", err)
	}

	adm.devices = make([]AudioDevice, 0, len(devices))
	for i, dev := range devices {
		hostAPI := "Unknown"
		if dev.HostApi != nil {
			hostAPI = dev.HostApi.Name
		}
		adm.devices = append(adm.devices, AudioDevice{
			ID:                i,
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			MaxOutputChannels: dev.MaxOutputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			IsDefaultInput:    defaultInput != nil && dev == defaultInput,
			IsDefaultOutput:   defaultOutput != nil && dev == defaultOutput,
			HostAPI:           hostAPI,
		})
	}
	return nil
}

// RefreshDevices reloads the device list.
func (adm *AudioDeviceManager) RefreshDevices() error {
	adm.mu.Lock()
	defer adm.mu.Unlock()
	return adm.refreshDevices()
}

// GetDevices returns a copy of the device list.
func (adm *AudioDeviceManager) GetDevices() []AudioDevice {
	adm.mu.RLock()
	defer adm.mu.RUnlock()

	devices := make([]AudioDevice, len(adm.devices))
	copy(devices, adm.devices)
	return devices
}

func (adm *AudioDeviceManager) GetInputDevices() []AudioDevice {
	return filterDevices(adm.GetDevices(), AudioDevice.IsInput)
}

func (adm *AudioDeviceManager) GetOutputDevices() []AudioDevice {
	return filterDevices(adm.GetDevices(), AudioDevice.IsOutput)
}

func filterDevices(devices []AudioDevice, keep func(AudioDevice) bool) []AudioDevice {
	out := make([]AudioDevice, 0, len(devices))
	for _, d := range devices {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

func (adm *AudioDeviceManager) GetDefaultInputDevice() (*AudioDevice, error) {
	for _, d := range adm.GetDevices() {
		if d.IsDefaultInput {
			return &d, nil
		}
	}
	return nil, NewDeviceError("no default input device found", nil)
}

func (adm *AudioDeviceManager) GetDefaultOutputDevice() (*AudioDevice, error) {
	for _, d := range adm.GetDevices() {
		if d.IsDefaultOutput {
			return &d, nil
		}
	}
	return nil, NewDeviceError("no default output device found", nil)
}

func (adm *AudioDeviceManager) GetDeviceByID(id int) (*AudioDevice, error) {
	for _, d := range adm.GetDevices() {
		if d.ID == id {
			return &d, nil
		}
	}
	return nil, NewDeviceError(fmt.Sprintf("device with ID %d not found", id), nil)
}

// ValidateDevice checks that a device can serve as a mono capture
// (isInput) or playback device at sampleRate.
func (adm *AudioDeviceManager) ValidateDevice(deviceID int, isInput bool, sampleRate float64) error {
	device, err := adm.GetDeviceByID(deviceID)
	if err != nil {
		return err
	}
	return validateDevice(*device, isInput, sampleRate, adm.logger)
}

func validateDevice(device AudioDevice, isInput bool, sampleRate float64, logger *Logger) error {
	if isInput && !device.IsInput() {
		return NewDeviceError(fmt.Sprintf("device '%s' is not an input device", device.Name), nil)
	}
	if !isInput && !device.IsOutput() {
		return NewDeviceError(fmt.Sprintf("device '%s' is not an output device", device.Name), nil)
	}

	if sampleRate > 0 && device.DefaultSampleRate > 0 {
		ratio := sampleRate / device.DefaultSampleRate
		if ratio < 0.5 || ratio > 2.0 {
			logger.WithFields(map[string]interface{}{
				"device_name":           device.Name,
				"device_sample_rate":    device.DefaultSampleRate,
				"requested_sample_rate": sampleRate,
			}).Warn("Sample rate significantly different from device default")
		}
	}
	return nil
}

// GetDeviceInfo returns formatted device information
func (adm *AudioDeviceManager) GetDeviceInfo(deviceID int) (string, error) {
	device, err := adm.GetDeviceByID(deviceID)
	if err != nil {
		return "", err
	}
	return FormatDeviceInfo(*device), nil
}

// FormatDeviceInfo renders a device for the CLI.
func FormatDeviceInfo(device AudioDevice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Device: %s\n", device.Name)
	fmt.Fprintf(&b, "  ID: %d\n", device.ID)
	fmt.Fprintf(&b, "  Host API: %s\n", device.HostAPI)
	fmt.Fprintf(&b, "  Input Channels: %d\n", device.MaxInputChannels)
	fmt.Fprintf(&b, "  Output Channels: %d\n", device.MaxOutputChannels)
	fmt.Fprintf(&b, "  Default Sample Rate: %.1f Hz\n", device.DefaultSampleRate)

	var caps []string
	if device.IsInput() {
		c := "Input"
		if device.IsDefaultInput {
			c += " (default)"
		}
		caps = append(caps, c)
	}
	if device.IsOutput() {
		c := "Output"
		if device.IsDefaultOutput {
			c += " (default)"
		}
		caps = append(caps, c)
	}
	if len(caps) == 0 {
		caps = append(caps, "None")
	}
	fmt.Fprintf(&b, "  Capabilities: %s\n", strings.Join(caps, ", "))
	return b.String()
}

// TestDevice opens the device the way a voice session would and runs it
// for duration. For input devices the RMS level over the run is returned.
func (adm *AudioDeviceManager) TestDevice(deviceID int, isInput bool, duration time.Duration) (float64, error) {
	device, err := adm.GetDeviceByID(deviceID)
	if err != nil {
		return 0, err
	}
	log := adm.logger.WithFields(map[string]interface{}{
		"device_id":   deviceID,
		"device_name": device.Name,
		"is_input":    isInput,
		"duration":    duration.String(),
	})
	log.Info("Testing audio device")

	cfg := NewAudioConfig()
	if isInput {
		if err := validateDevice(*device, true, float64(cfg.CaptureSampleRate), adm.logger); err != nil {
			return 0, err
		}
		cfg.CaptureDeviceID = &deviceID
		capture, err := OpenPortAudioCapture(cfg, adm.base)
		if err != nil {
			return 0, err
		}
		defer capture.Close()

		meter := NewVolumeMeter(cfg.CaptureSampleRate)
		if err := capture.Start(meter.Push); err != nil {
			return 0, err
		}
		time.Sleep(duration)
		if err := capture.Stop(); err != nil {
			log.WithError(err).Warn("Input stream stop failed")
		}
		level := meter.Level()
		log.WithField("level", level).Info("Device test completed")
		return level, nil
	}

	if err := validateDevice(*device, false, InboundSampleRate, adm.logger); err != nil {
		return 0, err
	}
	cfg.OutputDeviceID = &deviceID
	output, err := OpenPortAudioOutput(cfg, adm.base)
	if err != nil {
		return 0, err
	}
	defer output.Close()

	scheduler := NewPlaybackScheduler(output, adm.base, nil)
	if _, err := scheduler.Enqueue(TestTone(440, 0.2, duration)); err != nil {
		return 0, err
	}
	time.Sleep(duration)
	log.Info("Device test completed")
	return 0, nil
}

// lookupPortAudioDevice resolves a configured device index, or the
// default device when id is nil. PortAudio must be initialized.
func lookupPortAudioDevice(id *int, input bool) (*portaudio.DeviceInfo, error) {
	if id == nil {
		var dev *portaudio.DeviceInfo
		var err error
		if input {
			dev, err = portaudio.DefaultInputDevice()
		} else {
			dev, err = portaudio.DefaultOutputDevice()
		}
		if err != nil {
			return nil, NewDeviceError("no default device", err)
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, NewDeviceError("enumerate devices", err)
	}
	if *id < 0 || *id >= len(devices) {
		return nil, NewDeviceError(fmt.Sprintf("device with ID %d not found", *id), nil)
	}
	dev := devices[*id]
	if input && dev.MaxInputChannels < 1 {
		return nil, NewDeviceError(fmt.Sprintf("device '%s' is not an input device", dev.Name), nil)
	}
	if !input && dev.MaxOutputChannels < 1 {
		return nil, NewDeviceError(fmt.Sprintf("device '%s' is not an output device", dev.Name), nil)
	}
	return dev, nil
}
