package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/template"
)

const serviceLabel = "dev.allaspects.kirogate"

// launchdPlistTemplate runs kirogate as a persistent macOS user agent.
const launchdPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.ProgramPath}}</string>
        <string>serve</string>
        <string>--foreground</string>
{{- if .ConfigPath}}
        <string>--config</string>
        <string>{{.ConfigPath}}</string>
{{- end}}
    </array>

    <key>WorkingDirectory</key>
    <string>{{.DataDir}}</string>

    <key>KeepAlive</key>
    <true/>

    <key>RunAtLoad</key>
    <true/>

    <key>StandardOutPath</key>
    <string>{{.DataDir}}/kirogate.out.log</string>

    <key>StandardErrorPath</key>
    <string>{{.DataDir}}/kirogate.err.log</string>

    <key>ProcessType</key>
    <string>Background</string>

    <key>ThrottleInterval</key>
    <integer>5</integer>
</dict>
</plist>
`

// systemdUnitTemplate runs kirogate as a systemd user service.
const systemdUnitTemplate = `[Unit]
Description=kirogate Kiro gateway
After=network-online.target

[Service]
Type=simple
ExecStart={{.ProgramPath}} serve --foreground{{if .ConfigPath}} --config {{.ConfigPath}}{{end}}
WorkingDirectory={{.DataDir}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

// serviceDef is the data rendered into a service definition.
type serviceDef struct {
	Label       string
	ProgramPath string
	ConfigPath  string
	DataDir     string
}

// serviceManager describes how one platform installs user services. path
// returns the definition file location under home.
type serviceManager struct {
	template string
	path     func(home string) string
	install  [][]string
	remove   [][]string
}

func managerFor(goos string) (serviceManager, error) {
	switch goos {
	case "darwin":
		path := func(home string) string {
			return filepath.Join(home, "Library", "LaunchAgents", serviceLabel+".plist")
		}
		return serviceManager{
			template: launchdPlistTemplate,
			path:     path,
			install:  [][]string{{"launchctl", "load", "{path}"}},
			remove:   [][]string{{"launchctl", "unload", "{path}"}},
		}, nil
	case "linux":
		path := func(home string) string {
			return filepath.Join(home, ".config", "systemd", "user", "kirogate.service")
		}
		return serviceManager{
			template: systemdUnitTemplate,
			path:     path,
			install: [][]string{
				{"systemctl", "--user", "daemon-reload"},
				{"systemctl", "--user", "enable", "--now", "kirogate.service"},
			},
			remove: [][]string{{"systemctl", "--user", "disable", "--now", "kirogate.service"}},
		}, nil
	default:
		return serviceManager{}, fmt.Errorf("service install is not supported on %s", goos)
	}
}

// renderService renders the service definition for goos.
func renderService(goos string, def serviceDef) ([]byte, error) {
	mgr, err := managerFor(goos)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New("service").Parse(mgr.template)
	if err != nil {
		return nil, fmt.Errorf("parsing service template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, def); err != nil {
		return nil, fmt.Errorf("rendering service definition: %w", err)
	}
	return buf.Bytes(), nil
}

// InstallService writes a user service definition for the current
// platform (launchd on macOS, systemd on Linux) and loads it. configPath
// is passed to `serve --config` when non-empty.
func InstallService(dataDir, configPath string) error {
	mgr, err := managerFor(runtime.GOOS)
	if err != nil {
		return err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("determining executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("resolving executable symlinks: %w", err)
	}
	if configPath != "" {
		if configPath, err = filepath.Abs(configPath); err != nil {
			return fmt.Errorf("resolving config path: %w", err)
		}
	}

	dataDir = expandHome(dataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	data, err := renderService(runtime.GOOS, serviceDef{
		Label:       serviceLabel,
		ProgramPath: execPath,
		ConfigPath:  configPath,
		DataDir:     dataDir,
	})
	if err != nil {
		return err
	}

	path := mgr.path(home)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing service definition %s: %w", path, err)
	}
	fmt.Printf("Service definition written to %s\n", path)

	// Unload a previous definition first; errors mean it was not loaded.
	runAll(mgr.remove, path, false)
	if err := runAll(mgr.install, path, true); err != nil {
		return err
	}

	fmt.Printf("Service %s installed\n", serviceLabel)
	return nil
}

// UninstallService unloads and removes the service definition.
func UninstallService() error {
	mgr, err := managerFor(runtime.GOOS)
	if err != nil {
		return err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}
	path := mgr.path(home)

	runAll(mgr.remove, path, false)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing service definition: %w", err)
	}

	fmt.Printf("Service %s uninstalled\n", serviceLabel)
	return nil
}

// runAll runs each command with {path} substituted. With strict set the
// first failure is returned; otherwise failures are ignored.
func runAll(cmds [][]string, path string, strict bool) error {
	for _, c := range cmds {
		args := make([]string, len(c))
		for i, a := range c {
			if a == "{path}" {
				a = path
			}
			args[i] = a
		}
		cmd := exec.Command(args[0], args[1:]...)
		if strict {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		}
		if err := cmd.Run(); err != nil && strict {
			return fmt.Errorf("%s: %w", args[0], err)
		}
	}
	return nil
}
