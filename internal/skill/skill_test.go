package skill

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jarvis/internal/device"
	"jarvis/internal/domain"
	"jarvis/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- Registry ---

func TestRegistry_RegisterAndExecute(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Register(NewFunc("echo", func(_ context.Context, req domain.Request) (*domain.Response, error) {
		return domain.Reply(req.Message, nil), nil
	})))

	resp, err := r.Execute(context.Background(), "echo", domain.Request{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)
	assert.True(t, resp.Success)
}

func TestRegistry_DuplicateAndEmptyName(t *testing.T) {
	r := NewRegistry(testLogger())
	noop := func(context.Context, domain.Request) (*domain.Response, error) { return nil, nil }

	require.NoError(t, r.Register(NewFunc("a", noop)))
	assert.Error(t, r.Register(NewFunc("a", noop)))
	assert.Error(t, r.Register(NewFunc("", noop)))
}

func TestRegistry_ExecuteUnknown(t *testing.T) {
	r := NewRegistry(testLogger())
	_, err := r.Execute(context.Background(), "ghost", domain.Request{})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, RegisterBuiltins(r, device.NewMemoryStore(), testLogger()))
	assert.Equal(t, []string{DeviceControlName, InformationName}, r.Names())

	assert.Error(t, RegisterBuiltins(r, device.NewMemoryStore(), testLogger()))
}

// --- Device control ---

func TestParseDeviceCommand(t *testing.T) {
	cases := []struct {
		msg  string
		want deviceCommand
	}{
		{"Turn on the kitchen light", deviceCommand{DeviceType: "light", Action: "on", Location: "kitchen"}},
		{"unlock the front door", deviceCommand{DeviceType: "lock", Action: "unlock", Location: "front door"}},
		{"lock the main door", deviceCommand{DeviceType: "lock", Action: "lock", Location: "front door"}},
		{"set the thermostat to 68", deviceCommand{DeviceType: "thermostat", Action: "set", Value: 68, HasValue: true}},
		{"disarm the alarm", deviceCommand{DeviceType: "security", Action: "off"}},
		{"toggle the lounge lamp", deviceCommand{DeviceType: "light", Action: "toggle", Location: "living room"}},
	}
	for _, tc := range cases {
		got, ok := parseDeviceCommand(tc.msg)
		require.True(t, ok, tc.msg)
		assert.Equal(t, tc.want, got, tc.msg)
	}

	_, ok := parseDeviceCommand("tell me a joke")
	assert.False(t, ok)
	_, ok = parseDeviceCommand("please activate")
	assert.True(t, ok, "an action alone is enough")
}

func newDeviceSkill() (*DeviceControl, *device.MemoryStore) {
	store := device.NewMemoryStore(device.DefaultDevices()...)
	return NewDeviceControl(store, testLogger()), store
}

func TestDeviceControl_TurnOnKitchenLight(t *testing.T) {
	s, store := newDeviceSkill()
	ctx := context.Background()

	resp, err := s.Execute(ctx, domain.Request{Message: "turn off the kitchen light"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "I've turned off the kitchen light.", resp.Text)

	controlled := resp.Data["device_controlled"].(map[string]any)
	assert.Equal(t, "kitchen_light", controlled["id"])

	d, err := store.Get(ctx, "kitchen_light")
	require.NoError(t, err)
	assert.Equal(t, "off", d.State)
}

func TestDeviceControl_Actions(t *testing.T) {
	cases := []struct {
		msg    string
		id     string
		check  func(t *testing.T, d domain.Device)
		prefix string
	}{
		{"set the thermostat to 68", "main_thermostat", func(t *testing.T, d domain.Device) { assert.Equal(t, 68, d.Temperature) }, "I've set the thermostat to 68"},
		{"unlock the front door", "front_door_lock", func(t *testing.T, d domain.Device) { assert.Equal(t, "unlocked", d.State) }, "I've unlocked the front door"},
		{"disarm the security system", "security_system", func(t *testing.T, d domain.Device) { assert.Equal(t, "disarmed", d.State) }, "I've disarmed"},
		{"toggle the bedroom light", "bedroom_light", func(t *testing.T, d domain.Device) { assert.Equal(t, "on", d.State) }, "I've turned on the bedroom light"},
		{"dim the living room light to 150", "living_room_light", func(t *testing.T, d domain.Device) { assert.Equal(t, 100, d.Brightness) }, "I've set the living room light to 100%"},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			s, store := newDeviceSkill()
			resp, err := s.Execute(context.Background(), domain.Request{Message: tc.msg})
			require.NoError(t, err)
			assert.True(t, resp.Success)
			assert.Contains(t, resp.Text, tc.prefix)

			d, err := store.Get(context.Background(), tc.id)
			require.NoError(t, err)
			tc.check(t, d)
		})
	}
}

func TestDeviceControl_Declines(t *testing.T) {
	s, _ := newDeviceSkill()

	resp, err := s.Execute(context.Background(), domain.Request{Message: "sing a song"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Text, "couldn't understand")

	resp, err = s.Execute(context.Background(), domain.Request{Message: "turn on the kitchen thermostat"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "I couldn't find a thermostat in the kitchen to control.", resp.Text)
}

func TestDeviceControl_ThermostatWithoutValue(t *testing.T) {
	s, store := newDeviceSkill()
	resp, err := s.Execute(context.Background(), domain.Request{Message: "adjust the thermostat"})
	require.NoError(t, err)
	assert.Equal(t, "Please specify the temperature you'd like to set.", resp.Text)

	d, _ := store.Get(context.Background(), "main_thermostat")
	assert.Equal(t, 72, d.Temperature)
}

type failingStore struct{ domain.DeviceStore }

func (failingStore) List(context.Context) ([]domain.Device, error) {
	return nil, errors.New("store offline")
}

func TestDeviceControl_StoreErrorIsReturned(t *testing.T) {
	s := NewDeviceControl(failingStore{}, testLogger())
	_, err := s.Execute(context.Background(), domain.Request{Message: "turn on the light"})
	assert.ErrorContains(t, err, "store offline")
}

// --- Information ---

func newInformation(now time.Time) *Information {
	s := NewInformation()
	s.started = now.Add(-90 * time.Minute)
	s.now = func() time.Time { return now }
	return s
}

func TestInformation(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC)
	s := newInformation(now)

	cases := []struct {
		msg  string
		text string
		key  string
	}{
		{"What time is it?", "The current time is 03:09 PM.", "24_hour"},
		{"what's today's date", "Today is Saturday, March 14, 2026.", "iso_date"},
		{"what's the weather in boston?", "The weather in boston is currently partly cloudy", "humidity"},
		{"system status please", "I'm operating normally", "uptime_hours"},
		{"tell me about yourself", "I'm JARVIS", "capabilities"},
		{"what can you do", "I can control smart home devices", "capabilities"},
		{"hmm", "I'd be happy to help", "suggestion"},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			resp, err := s.Execute(context.Background(), domain.Request{Message: tc.msg})
			require.NoError(t, err)
			assert.True(t, resp.Success)
			assert.Contains(t, resp.Text, tc.text)
			assert.Contains(t, resp.Data, tc.key)
		})
	}
}

func TestInformation_WeatherDefaultLocation(t *testing.T) {
	s := newInformation(time.Now())
	resp, err := s.Execute(context.Background(), domain.Request{Message: "weather forecast"})
	require.NoError(t, err)
	assert.Equal(t, "your location", resp.Data["location"])
}

func TestInformation_Uptime(t *testing.T) {
	s := newInformation(time.Now())
	resp, err := s.Execute(context.Background(), domain.Request{Message: "how are you"})
	require.NoError(t, err)
	assert.InDelta(t, 1.5, resp.Data["uptime_hours"], 0.01)
}

// --- Built-in schemas ---

func TestInstallSchemas(t *testing.T) {
	dir := t.TempDir()
	written, err := InstallSchemas(dir, false)
	require.NoError(t, err)
	assert.Len(t, written, 2)

	reg := schema.NewRegistry(dir, schema.StrategyFirst, testLogger())
	n, err := reg.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, reg.Warnings(), "built-in keywords must not overlap")

	name, ok := reg.Match(domain.Request{Action: "device_control", Message: "turn on the kitchen light"})
	require.True(t, ok)
	assert.Equal(t, DeviceControlName, name)

	name, ok = reg.Match(domain.Request{Message: "what time is it"})
	require.True(t, ok)
	assert.Equal(t, InformationName, name)

	again, err := InstallSchemas(dir, false)
	require.NoError(t, err)
	assert.Empty(t, again, "existing files are kept")

	custom := filepath.Join(dir, "device_control", "schema.json")
	require.NoError(t, os.WriteFile(custom, []byte(`{"action": "custom"}`), 0o644))
	_, err = InstallSchemas(dir, true)
	require.NoError(t, err)
	data, err := os.ReadFile(custom)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"device_control"`)
}

func TestInformation_StatusIncludesHost(t *testing.T) {
	s := newInformation(time.Now())
	resp, err := s.Execute(context.Background(), domain.Request{Message: "system status"})
	require.NoError(t, err)
	host, ok := resp.Data["host"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, host["os"])
	assert.Positive(t, host["cpus"])
}

func TestFieldValue(t *testing.T) {
	release := "NAME=\"Debian\"\nPRETTY_NAME=\"Debian GNU/Linux 12\"\n"
	assert.Equal(t, `"Debian GNU/Linux 12"`, fieldValue(release, "PRETTY_NAME", "="))

	cpuinfo := "processor\t: 0\nmodel name\t: AMD EPYC 7B13\n"
	assert.Equal(t, "AMD EPYC 7B13", fieldValue(cpuinfo, "model name", ":"))
	assert.Empty(t, fieldValue(cpuinfo, "flags", ":"))
}
