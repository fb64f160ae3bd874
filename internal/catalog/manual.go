package catalog

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// GenerateManual crosses every prefix (e.g. "162.159.192.") with last
// octets 1..254 and every port, then truncates to limit (limit <= 0 keeps all).
func GenerateManual(prefixes []string, ports []int, limit int) []string {
	endpoints := make([]string, 0, len(prefixes)*254*len(ports))
	for _, prefix := range prefixes {
		for i := 1; i <= 254; i++ {
			for _, port := range ports {
				endpoints = append(endpoints, fmt.Sprintf("%s%d:%d", prefix, i, port))
			}
		}
	}

	log.Debugf("Generated %d manual endpoints", len(endpoints))

	if limit > 0 && len(endpoints) > limit {
		endpoints = endpoints[:limit]
	}
	return endpoints
}
