package xray

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/warp-endpoint-scanner/internal/config"
)

// Daemon manages one tunnel daemon process for the duration of a scan
type Daemon struct {
	config config.DaemonConfig

	mu         sync.Mutex
	cmd        *exec.Cmd
	done       chan error
	logFiles   []*os.File
	configPath string
}

func NewDaemon(cfg config.DaemonConfig) *Daemon {
	return &Daemon{config: cfg}
}

// Start writes the configuration into the work dir and launches the daemon
func (d *Daemon) Start(ctx context.Context, cfg *Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd != nil {
		return errors.New("daemon already running")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(d.config.WorkDir, 0755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	data, err := cfg.Marshal()
	if err != nil {
		return err
	}

	// Atomic write: write to temp file, then rename
	configPath := filepath.Join(d.config.WorkDir, "config.json")
	tempPath := configPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tempPath, configPath); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	d.configPath = configPath
	log.Infof("Daemon configuration written to %s (%d inbounds)", configPath, len(cfg.Inbounds))

	stdout, err := os.Create(filepath.Join(d.config.WorkDir, "xray_stdout.log"))
	if err != nil {
		return fmt.Errorf("create stdout log: %w", err)
	}
	stderr, err := os.Create(filepath.Join(d.config.WorkDir, "xray_stderr.log"))
	if err != nil {
		stdout.Close()
		return fmt.Errorf("create stderr log: %w", err)
	}

	cmd := exec.Command(d.config.Binary, "-c", configPath)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log.Infof("Executing: %s", strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start daemon: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	d.cmd = cmd
	d.done = done
	d.logFiles = []*os.File{stdout, stderr}

	log.Infof("Daemon started with PID %d", cmd.Process.Pid)
	return nil
}

// Stop asks the daemon to exit, waits up to the stop timeout, then kills it
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil {
		return nil
	}
	defer d.reset()

	select {
	case err := <-d.done:
		log.Warnf("Daemon had already exited: %v", err)
		return nil
	default:
	}

	if err := d.cmd.Process.Signal(os.Interrupt); err != nil {
		// Interrupt is unsupported on some platforms
		log.Debugf("Interrupt failed (%v), killing daemon", err)
		return d.kill()
	}

	select {
	case <-d.done:
		log.Info("Daemon process terminated")
		return nil
	case <-time.After(d.config.StopWait()):
		log.Warnf("Daemon did not terminate within %v, killing", d.config.StopWait())
		return d.kill()
	}
}

func (d *Daemon) kill() error {
	if err := d.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill daemon: %w", err)
	}
	<-d.done
	log.Info("Daemon process killed")
	return nil
}

func (d *Daemon) reset() {
	for _, f := range d.logFiles {
		f.Close()
	}
	d.cmd = nil
	d.done = nil
	d.logFiles = nil
}

// Running reports whether the daemon process is alive
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil {
		return false
	}
	select {
	case err := <-d.done:
		// Keep the exit visible to Stop.
		d.done <- err
		return false
	default:
		return true
	}
}

// Cleanup removes the generated configuration file
func (d *Daemon) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.configPath == "" {
		return
	}
	if err := os.Remove(d.configPath); err != nil && !os.IsNotExist(err) {
		log.Errorf("Error cleaning up temporary config file: %v", err)
	}
	d.configPath = ""
}
