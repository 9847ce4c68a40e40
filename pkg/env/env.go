package env

import (
	"os"
	"strings"
)

// Prefix namespaces every variable the services read.
const Prefix = "PDF2MD_"

// Get returns PDF2MD_<key>, then the bare key, then the fallback.
func Get(key, fallback string) string {
	for _, name := range []string{Prefix + key, key} {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return fallback
}
