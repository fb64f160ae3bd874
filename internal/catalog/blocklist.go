package catalog

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"go4.org/netipx"
)

// Blocklist excludes candidate addresses that fall inside configured CIDR ranges
type Blocklist struct {
	set *netipx.IPSet
}

// ReservedRanges returns ranges that never host a public gateway
func ReservedRanges() []string {
	return []string{
		"0.0.0.0/8",          // "This" Network (RFC 1122)
		"10.0.0.0/8",         // Private-Use Networks (RFC 1918)
		"100.64.0.0/10",      // Shared Address Space (RFC 6598)
		"127.0.0.0/8",        // Loopback (RFC 1122)
		"169.254.0.0/16",     // Link Local (RFC 3927)
		"172.16.0.0/12",      // Private-Use Networks (RFC 1918)
		"192.168.0.0/16",     // Private-Use Networks (RFC 1918)
		"224.0.0.0/4",        // Multicast (RFC 3171)
		"240.0.0.0/4",        // Reserved for Future Use (RFC 1112)
		"255.255.255.255/32", // Limited Broadcast (RFC 0919)
	}
}

// NewBlocklist builds a blocklist from inline CIDRs and CIDR files.
// An empty blocklist blocks nothing.
func NewBlocklist(ranges []string, files []string) (*Blocklist, error) {
	var b netipx.IPSetBuilder
	count := 0

	for _, cidr := range ranges {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
		}
		b.AddPrefix(prefix)
		count++
	}

	for _, path := range files {
		prefixes, err := LoadBlocklistFile(path)
		if err != nil {
			return nil, err
		}
		for _, p := range prefixes {
			b.AddPrefix(p)
		}
		count += len(prefixes)
	}

	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("build IP set: %w", err)
	}

	if count > 0 {
		log.Infof("Blocklist loaded: %d CIDR ranges", count)
	}
	return &Blocklist{set: set}, nil
}

// LoadBlocklistFile reads one CIDR per line; blank lines and # comments are skipped
func LoadBlocklistFile(path string) ([]netip.Prefix, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blocklist file: %w", err)
	}
	defer file.Close()

	prefixes := make([]netip.Prefix, 0)
	scanner := bufio.NewScanner(file)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		prefix, err := netip.ParsePrefix(line)
		if err != nil {
			log.Warnf("Invalid CIDR at %s:%d: %s", path, lineNum, line)
			continue
		}
		prefixes = append(prefixes, prefix)
	}

	if err := scanner.Err(); err != nil {
		return prefixes, fmt.Errorf("scan blocklist file: %w", err)
	}

	return prefixes, nil
}

func (b *Blocklist) Contains(addr netip.Addr) bool {
	if b == nil || b.set == nil {
		return false
	}
	return b.set.Contains(addr)
}
