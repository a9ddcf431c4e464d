package skill

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"jarvis/internal/domain"
)

// DeviceControlName is the registration key of the device control skill.
const DeviceControlName = "device_control"

type pattern struct {
	value string
	re    *regexp.Regexp
}

// Patterns are tried in order; the first hit wins. "unlock" must precede
// "lock" and "on"/"off" must precede "toggle".
var (
	deviceTypePatterns = []pattern{
		{"light", regexp.MustCompile(`\b(lights?|lamps?|lighting)\b`)},
		{"thermostat", regexp.MustCompile(`\b(thermostat|temperature|heat|heating|cool|cooling|ac|air)\b`)},
		{"lock", regexp.MustCompile(`\b(lock|unlock|door)\b`)},
		{"security", regexp.MustCompile(`\b(security|alarm)\b`)},
	}
	deviceActionPatterns = []pattern{
		{"on", regexp.MustCompile(`\b(turn on|switch on|activate|enable|arm)\b`)},
		{"off", regexp.MustCompile(`\b(turn off|switch off|deactivate|disable|disarm)\b`)},
		{"toggle", regexp.MustCompile(`\b(toggle|switch)\b`)},
		{"set", regexp.MustCompile(`\b(set|adjust|change|dim)\b`)},
		{"unlock", regexp.MustCompile(`\bunlock\b`)},
		{"lock", regexp.MustCompile(`\block\b`)},
	}
	locationPatterns = []pattern{
		{"living room", regexp.MustCompile(`\b(living room|lounge)\b`)},
		{"bedroom", regexp.MustCompile(`\b(bedroom|bed room)\b`)},
		{"kitchen", regexp.MustCompile(`\bkitchen\b`)},
		{"front door", regexp.MustCompile(`\b(front door|main door|entrance)\b`)},
	}
	numberPattern = regexp.MustCompile(`\d+`)
)

// deviceCommand is a parsed device control request. Empty fields were not
// found in the message.
type deviceCommand struct {
	DeviceType string
	Action     string
	Location   string
	Value      int
	HasValue   bool
}

func firstMatch(patterns []pattern, text string) string {
	for _, p := range patterns {
		if p.re.MatchString(text) {
			return p.value
		}
	}
	return ""
}

// parseDeviceCommand extracts device type, action, location and the first
// number from a message. It reports false when neither a device type nor an
// action is present.
func parseDeviceCommand(message string) (deviceCommand, bool) {
	text := strings.ToLower(strings.TrimSpace(message))
	cmd := deviceCommand{
		DeviceType: firstMatch(deviceTypePatterns, text),
		Action:     firstMatch(deviceActionPatterns, text),
		Location:   firstMatch(locationPatterns, text),
	}
	if m := numberPattern.FindString(text); m != "" {
		if n, err := strconv.Atoi(m); err == nil {
			cmd.Value, cmd.HasValue = n, true
		}
	}
	if cmd.DeviceType == "" && cmd.Action == "" {
		return cmd, false
	}
	return cmd, true
}

// DeviceControl turns lights on and off, sets the thermostat, locks doors and
// arms the security system, persisting the result in the device store.
type DeviceControl struct {
	devices domain.DeviceStore
	logger  *slog.Logger
}

func NewDeviceControl(devices domain.DeviceStore, logger *slog.Logger) *DeviceControl {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceControl{devices: devices, logger: logger.With("skill", DeviceControlName)}
}

func (d *DeviceControl) Name() string { return DeviceControlName }

func (d *DeviceControl) Execute(ctx context.Context, req domain.Request) (*domain.Response, error) {
	cmd, ok := parseDeviceCommand(req.Message)
	if !ok {
		return domain.Decline("I couldn't understand which device you want to control. Please specify the device and action."), nil
	}

	all, err := d.devices.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	dev, found := selectDevice(all, cmd)
	if !found {
		return domain.Decline(notFoundText(cmd)), nil
	}

	text, changed := applyCommand(&dev, cmd)
	if changed {
		if err := d.devices.Set(ctx, dev.ID, dev); err != nil {
			return nil, fmt.Errorf("update device %s: %w", dev.ID, err)
		}
	}
	d.logger.Info("device controlled", "user", req.User(), "device", dev.ID, "action", cmd.Action, "changed", changed)

	return domain.Reply(text, map[string]any{
		"device_controlled": map[string]any{
			"id":        dev.ID,
			"type":      dev.Type,
			"location":  dev.Location,
			"new_state": dev,
		},
	}), nil
}

// selectDevice picks the first device, in store order, matching the parsed
// type and location.
func selectDevice(devices []domain.Device, cmd deviceCommand) (domain.Device, bool) {
	for _, dev := range devices {
		if cmd.DeviceType != "" && dev.Type != cmd.DeviceType {
			continue
		}
		if cmd.Location != "" && !strings.Contains(dev.Location, cmd.Location) {
			continue
		}
		return dev, true
	}
	return domain.Device{}, false
}

func notFoundText(cmd deviceCommand) string {
	what := cmd.DeviceType
	if what == "" {
		what = "device"
	}
	if cmd.Location != "" {
		return fmt.Sprintf("I couldn't find a %s in the %s to control.", what, cmd.Location)
	}
	return fmt.Sprintf("I couldn't find a %s to control.", what)
}

// applyCommand mutates dev according to cmd and returns the reply text and
// whether the device state changed.
func applyCommand(dev *domain.Device, cmd deviceCommand) (string, bool) {
	switch {
	case cmd.Action == "on" && dev.Type == "security":
		dev.State = "armed"
		return fmt.Sprintf("I've armed the %s security system.", dev.Location), true
	case cmd.Action == "off" && dev.Type == "security":
		dev.State = "disarmed"
		return fmt.Sprintf("I've disarmed the %s security system.", dev.Location), true
	case cmd.Action == "on" && dev.Type == "light":
		dev.State = "on"
		return fmt.Sprintf("I've turned on the %s light.", dev.Location), true
	case cmd.Action == "off" && dev.Type == "light":
		dev.State = "off"
		return fmt.Sprintf("I've turned off the %s light.", dev.Location), true
	case cmd.Action == "on" || cmd.Action == "off":
		return fmt.Sprintf("I've turned %s the %s %s.", cmd.Action, dev.Location, dev.Type), false

	case cmd.Action == "set" && dev.Type == "thermostat":
		if !cmd.HasValue {
			return "Please specify the temperature you'd like to set.", false
		}
		dev.Temperature = cmd.Value
		return fmt.Sprintf("I've set the thermostat to %d degrees.", cmd.Value), true
	case cmd.Action == "set" && dev.Type == "light":
		if !cmd.HasValue {
			return "Please specify the brightness you'd like, from 0 to 100.", false
		}
		dev.Brightness = min(max(cmd.Value, 0), 100)
		return fmt.Sprintf("I've set the %s light to %d%% brightness.", dev.Location, dev.Brightness), true

	case cmd.Action == "lock" && dev.Type == "lock":
		dev.State = "locked"
		return fmt.Sprintf("I've locked the %s.", dev.Location), true
	case cmd.Action == "unlock" && dev.Type == "lock":
		dev.State = "unlocked"
		return fmt.Sprintf("I've unlocked the %s.", dev.Location), true

	case cmd.Action == "toggle" && dev.Type == "light":
		if dev.State == "on" {
			dev.State = "off"
		} else {
			dev.State = "on"
		}
		return fmt.Sprintf("I've turned %s the %s light.", dev.State, dev.Location), true
	case cmd.Action == "toggle":
		return fmt.Sprintf("I can't toggle the %s. Please specify on or off.", dev.Type), false

	case cmd.Action == "":
		return fmt.Sprintf("What would you like me to do with the %s %s?", dev.Location, dev.Type), false
	default:
		return fmt.Sprintf("I'm not sure how to %s the %s.", cmd.Action, dev.Type), false
	}
}
