package daemon

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/oshokin/factory-update/internal/config"
)

const (
	// ConfigFilename is the generated daemon configuration.
	ConfigFilename = "rsyncd.conf"
	// PIDFilename is where the daemon records its process id.
	PIDFilename = "rsyncd.pid"
	// LogFilename receives the daemon log and its stdout/stderr.
	LogFilename = "rsyncd.log"
)

var configTemplate = template.Must(template.New(ConfigFilename).Parse(`port = {{.Port}}
pid file = {{.PIDFile}}
log file = {{.LogFile}}
use chroot = no
[{{.ModuleName}}]
  path = {{.ContentDir}}
  read only = yes
`))

type configData struct {
	Port       int
	PIDFile    string
	LogFile    string
	ModuleName string
	ContentDir string
}

// RenderConfig returns the rsyncd.conf contents for opts.
func RenderConfig(opts *Options) ([]byte, error) {
	contentDir, err := filepath.Abs(opts.ContentDir)
	if err != nil {
		return nil, fmt.Errorf("resolve content directory: %w", err)
	}

	var buf bytes.Buffer

	err = configTemplate.Execute(&buf, configData{
		Port:       opts.Port,
		PIDFile:    opts.pidPath(),
		LogFile:    opts.logPath(),
		ModuleName: opts.ModuleName,
		ContentDir: contentDir,
	})
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", ConfigFilename, err)
	}

	return buf.Bytes(), nil
}

func writeConfig(opts *Options) error {
	data, err := RenderConfig(opts)
	if err != nil {
		return err
	}

	if err = os.WriteFile(opts.configPath(), data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write %s: %w", ConfigFilename, err)
	}

	return nil
}
