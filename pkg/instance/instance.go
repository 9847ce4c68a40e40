package instance

import (
	"os"
	"strings"
)

// GetID names the running process for logs and lock ownership. Platform
// identifiers win over the explicit override, then the hostname.
func GetID() string {
	for _, key := range []string{"DYNO", "K_REVISION", "PDF2MD_INSTANCE_ID"} {
		if id := strings.TrimSpace(os.Getenv(key)); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
