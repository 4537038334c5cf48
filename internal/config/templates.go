package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter file: "servicemanager" for the daemon config
// or "manifest" for the registration manifest.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "servicemanager", "node":
		return nodeTemplate, nil
	case "manifest":
		return manifestTemplate, nil
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

const nodeTemplate = `name = "servicemanager"
admin_addr = "127.0.0.1:9470"
admin_token = ""
cors_origins = ["http://localhost:3000"]
manifest = ""
parcel_limit = 1048576

[transport]
network = "unix"
address = "/tmp/hwbinder.sock"
security_mode = "development"
handshake_timeout = "5s"
write_timeout = "15s"
oneway_rate = 1000.0
oneway_burst = 200

[transport.tls]
enabled = false

[thread_pool]
max_threads = 4
caller_joins = false

[retry]
initial_delay = "100ms"
multiplier = 2.0
max_delay = "1s"
jitter = true
`

const manifestTemplate = `default: deny
services:
  - interface: vendor.echo@1.0::IEcho
    instances: [default]
    uids: [1000]
`
