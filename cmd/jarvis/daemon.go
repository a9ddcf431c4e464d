package main

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"text/template"

	"jarvis/internal/config"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.jarvis.serve"
	systemdUnit  = "jarvis.service"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run 'jarvis serve' as a background service",
	}
	cmd.AddCommand(installDaemonCmd())
	cmd.AddCommand(uninstallDaemonCmd())
	return cmd
}

// service describes how the service manager should run 'jarvis serve'.
type service struct {
	Label      string
	Exec       string
	Config     string
	WorkDir    string
	SchemasDir string
	EnvFile    string            // systemd reads it directly
	Env        map[string]string // launchd gets the values inlined
	LogFile    string
	ErrLogFile string
	NeedsRedis bool
}

// newService derives the service from the loaded config. The .env next to
// the config file, when present, is handed to the service so provider keys
// resolve the same way as in an interactive shell.
func newService(cfg *config.Config, cfgPath, execPath string) (service, error) {
	dir := filepath.Dir(cfgPath)
	logDir := filepath.Join(dir, "logs")
	svc := service{
		Label:      launchdLabel,
		Exec:       execPath,
		Config:     cfgPath,
		WorkDir:    dir,
		SchemasDir: cfg.Schemas.Dir,
		LogFile:    filepath.Join(logDir, "jarvis.log"),
		ErrLogFile: filepath.Join(logDir, "jarvis-error.log"),
		NeedsRedis: cfg.Devices.Backend == "redis",
	}
	envFile := filepath.Join(dir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		env, err := godotenv.Read(envFile)
		if err != nil {
			return service{}, fmt.Errorf("read %s: %w", envFile, err)
		}
		svc.EnvFile = envFile
		svc.Env = env
	}
	return svc, nil
}

func installDaemonCmd() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install a launchd agent or systemd user unit",
		Long: "Generates a service file that runs 'jarvis serve' on login and restarts it on failure.\n" +
			"The .env next to the config file is passed to the service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer closeLog()

			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			svc, err := newService(cfg, config.ExpandPath(resolveConfigPath()), execPath)
			if err != nil {
				return err
			}

			kind, path, err := servicePath(runtime.GOOS)
			if err != nil {
				return err
			}
			out, err := svc.render(kind)
			if err != nil {
				return err
			}
			if printOnly {
				_, err := cmd.OutOrStdout().Write(out)
				return err
			}
			return installService(cmd.OutOrStdout(), svc, kind, path, out)
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the service file instead of installing it")
	return cmd
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the installed service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, path, err := servicePath(runtime.GOOS)
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon uninstalled: %s\n", path)
			return nil
		},
	}
}

// servicePath returns the service manager and its file location for goos.
func servicePath(goos string) (kind, path string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", err
	}
	switch goos {
	case "darwin":
		return "launchd", filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	case "linux":
		return "systemd", filepath.Join(home, ".config", "systemd", "user", systemdUnit), nil
	default:
		return "", "", fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}
}

func installService(w io.Writer, svc service, kind, path string, content []byte) error {
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(svc.LogFile), svc.SchemasDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return err
	}

	fmt.Fprintf(w, "Daemon installed: %s\n", path)
	if svc.EnvFile != "" {
		fmt.Fprintf(w, "Environment from: %s (reinstall after editing)\n", svc.EnvFile)
	}
	fmt.Fprintf(w, "Schemas:          %s\n", svc.SchemasDir)
	switch kind {
	case "launchd":
		fmt.Fprintf(w, "To start: launchctl load %s\n", path)
		fmt.Fprintf(w, "To stop:  launchctl unload %s\n", path)
	case "systemd":
		fmt.Fprintln(w, "To start:  systemctl --user daemon-reload && systemctl --user start jarvis")
		fmt.Fprintln(w, "To enable: systemctl --user enable jarvis")
		fmt.Fprintln(w, "To stop:   systemctl --user stop jarvis")
	}
	return nil
}

var serviceTemplates = template.Must(template.New("service").Funcs(template.FuncMap{
	"xml": func(s string) (string, error) {
		var buf bytes.Buffer
		err := xml.EscapeText(&buf, []byte(s))
		return buf.String(), err
	},
	"sorted": func(m map[string]string) []string { return slices.Sorted(maps.Keys(m)) },
}).Parse(`{{define "launchd"}}<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{xml .Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{xml .Exec}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{xml .Config}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{xml .WorkDir}}</string>
{{- if .Env}}
    <key>EnvironmentVariables</key>
    <dict>
{{- range $k := sorted .Env}}
        <key>{{xml $k}}</key>
        <string>{{xml (index $.Env $k)}}</string>
{{- end}}
    </dict>
{{- end}}
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{xml .LogFile}}</string>
    <key>StandardErrorPath</key>
    <string>{{xml .ErrLogFile}}</string>
</dict>
</plist>
{{end}}{{define "systemd"}}[Unit]
Description=Jarvis assistant (skills from {{.SchemasDir}})
After=network-online.target{{if .NeedsRedis}} redis.service{{end}}
Wants=network-online.target

[Service]
Type=simple
WorkingDirectory={{.WorkDir}}
{{- if .EnvFile}}
EnvironmentFile=-{{.EnvFile}}
{{- end}}
ExecStart={{.Exec}} serve --config {{.Config}}
Restart=on-failure
RestartSec=5
TimeoutStopSec=15

[Install]
WantedBy=default.target
{{end}}`))

// render produces the launchd plist or the systemd unit.
func (s service) render(kind string) ([]byte, error) {
	var buf bytes.Buffer
	if err := serviceTemplates.ExecuteTemplate(&buf, kind, s); err != nil {
		return nil, fmt.Errorf("render %s service: %w", kind, err)
	}
	return buf.Bytes(), nil
}
