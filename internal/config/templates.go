package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon":
		return daemonTemplate, nil
	case "process":
		return processTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and reports the first problem.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon":
		_, err := LoadDaemonConfig(path)
		return err
	case "process":
		_, err := LoadProcessConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const daemonTemplate = `socket_path = "/tmp/edgebinder.sock"
admin_addr = "127.0.0.1:7420"
max_buffer_bytes = 1048576
max_processes = 256
cors_origins = ["http://localhost:3000"]
`

const processTemplate = `name = "counter"
socket_path = "/tmp/edgebinder.sock"
max_threads = 4
local_scheduler = false
handler_workers = 4
call_timeout = "5s"
`
