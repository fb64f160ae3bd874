package xray

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// CheckBinary verifies the daemon binary exists, is executable and reports a version
func CheckBinary(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("daemon binary not found at %s", path)
		}
		return fmt.Errorf("cannot access daemon binary: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("daemon path points to a directory, not a file: %s", path)
	}

	if runtime.GOOS != "windows" && info.Mode()&0111 == 0 {
		return fmt.Errorf("daemon binary is not executable: %s", path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, path, "version").CombinedOutput()
	if err != nil {
		return fmt.Errorf("daemon binary cannot be executed: %w", err)
	}

	version := strings.TrimSpace(string(output))
	if i := strings.IndexByte(version, '\n'); i >= 0 {
		version = version[:i]
	}
	log.Infof("Daemon binary found: %s", version)

	if !strings.Contains(strings.ToLower(version), "xray") {
		log.Warnf("Unexpected daemon version output: %s", version)
	}

	return nil
}
