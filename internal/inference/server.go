package inference

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openfoundry-ai/pagemill/internal/storage"
)

// ErrFatalServer means the serving subprocess reported unrecoverable model
// corruption; the whole pipeline must stop.
var ErrFatalServer = errors.New("inference server reported fatal model corruption")

// gpuMemoryBudgetGiB is the device memory below which the server gets a
// smaller static memory fraction, leaving headroom for the image encoder.
const gpuMemoryBudgetGiB = 60

// SupervisorConfig configures the serving subprocess lifecycle.
type SupervisorConfig struct {
	// ModelLocations are candidate storage locations for the weights.
	ModelLocations []string
	// CacheDir is where fetched weights are kept; defaults to
	// ~/.cache/pagemill/model.
	CacheDir     string
	Port         int
	ChatTemplate string
}

// Supervisor owns the model-serving subprocess: it fetches weights, patches
// the model config, launches the server, watches its log stream to drive the
// admission gate, and relaunches it on crash until the context is cancelled.
type Supervisor struct {
	cfg     SupervisorConfig
	gate    *Gate
	client  *Client
	monitor *backlogMonitor

	// fatal is closed when the log watcher sees the corruption marker.
	fatal chan struct{}

	// mu guards stop, the cancel func for the currently running subprocess.
	mu   sync.Mutex
	stop context.CancelFunc
}

// NewSupervisor wires a supervisor to the gate it grows.
func NewSupervisor(cfg SupervisorConfig, gate *Gate) *Supervisor {
	if cfg.CacheDir == "" {
		home, _ := os.UserHomeDir()
		cfg.CacheDir = filepath.Join(home, ".cache", "pagemill", "model")
	}
	s := &Supervisor{
		cfg:    cfg,
		gate:   gate,
		client: NewClient(fmt.Sprintf("http://localhost:%d", cfg.Port)),
		fatal:  make(chan struct{}),
	}
	s.monitor = newBacklogMonitor(gate, time.Now, s.signalFatal)
	return s
}

// Client returns the HTTP client bound to the supervised server.
func (s *Supervisor) Client() *Client {
	return s.client
}

// signalFatal marks the corruption as seen and kills the running subprocess
// so runOnce unblocks and surfaces ErrFatalServer immediately, even while the
// server itself keeps limping along.
func (s *Supervisor) signalFatal() {
	select {
	case <-s.fatal:
	default:
		close(s.fatal)
	}
	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.mu.Unlock()
}

// Run prepares the model and supervises the subprocess until ctx is
// cancelled. On any subprocess exit it logs a warning and relaunches.
// Returns ErrFatalServer if the corruption marker is ever seen.
func (s *Supervisor) Run(ctx context.Context) error {
	modelDir, err := s.prepareModel(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare model: %w", err)
	}

	for {
		if err := s.runOnce(ctx, modelDir); err != nil {
			if errors.Is(err, ErrFatalServer) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("Inference server exited, relaunching.", "error", err)
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("Inference server exited cleanly, relaunching.")
		}
		s.monitor.resetReady()
	}
}

// WaitReady polls the readiness endpoint with bounded retries and a fixed
// delay; failure to ever come up is fatal for startup.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	const maxAttempts = 300
	const delay = 1 * time.Second

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.client.CheckReady(ctx); err == nil {
			slog.Info("Inference server is ready.")
			return nil
		} else {
			slog.Debug("Readiness probe failed.", "attempt", attempt, "error", err)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("inference server did not become ready after %d attempts", maxAttempts)
}

func (s *Supervisor) runOnce(ctx context.Context, modelDir string) error {
	args := []string{
		"-m", "sglang.launch_server",
		"--model-path", modelDir,
		"--chat-template", s.cfg.ChatTemplate,
		"--port", strconv.Itoa(s.cfg.Port),
		"--log-level-http", "warning",
	}
	args = append(args, memoryBudgetArgs()...)

	launchCtx, cancelLaunch := context.WithCancel(ctx)
	defer cancelLaunch()
	s.mu.Lock()
	s.stop = cancelLaunch
	s.mu.Unlock()

	cmd := exec.CommandContext(launchCtx, "python3", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch inference server: %w", err)
	}
	slog.Info("Launched inference server.", "pid", cmd.Process.Pid, "port", s.cfg.Port)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go s.watchStream(stdout)
	go s.watchStream(stderr)
	go s.grantLoop(watchCtx)

	waitErr := cmd.Wait()

	select {
	case <-s.fatal:
		return ErrFatalServer
	default:
	}
	return waitErr
}

func (s *Supervisor) watchStream(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.monitor.ProcessLine(scanner.Text())
	}
}

// grantLoop ticks once a second, letting the monitor widen the gate when the
// server has proven it has spare capacity.
func (s *Supervisor) grantLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.monitor.MaybeGrant()
		case <-ctx.Done():
			return
		}
	}
}

// prepareModel resolves the weights, caches them locally, and applies the
// config compatibility patch.
func (s *Supervisor) prepareModel(ctx context.Context) (string, error) {
	modelDir, err := resolveModel(ctx, s.cfg.ModelLocations, s.cfg.CacheDir)
	if err != nil {
		return "", err
	}
	if err := patchModelConfig(filepath.Join(modelDir, "config.json")); err != nil {
		return "", err
	}
	return modelDir, nil
}

// resolveModel fetches the weights from the fastest-responding candidate
// location into the local cache, or uses a local directory in place.
func resolveModel(ctx context.Context, candidates []string, cacheDir string) (string, error) {
	dir, err := storage.ResolveFastest(ctx, candidates, cacheDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve model artifact: %w", err)
	}
	return dir, nil
}

// configPatchRule is one known compatibility fix applied to the fetched
// model config.
type configPatchRule struct {
	name    string
	applies func(cfg map[string]any) bool
	apply   func(cfg map[string]any)
}

// Older checkpoints carry rope_scaling.rope_type, which the server rejects;
// it has to be renamed to the mrope form.
var configPatchRules = []configPatchRule{
	{
		name: "rope_scaling rope_type to mrope",
		applies: func(cfg map[string]any) bool {
			rope, ok := cfg["rope_scaling"].(map[string]any)
			if !ok {
				return false
			}
			_, has := rope["rope_type"]
			return has
		},
		apply: func(cfg map[string]any) {
			rope := cfg["rope_scaling"].(map[string]any)
			delete(rope, "rope_type")
			rope["type"] = "mrope"
		},
	},
}

func patchModelConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read model config %s: %w", path, err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("model config %s is not valid JSON: %w", path, err)
	}

	var patched bool
	for _, rule := range configPatchRules {
		if rule.applies(cfg) {
			rule.apply(cfg)
			patched = true
			slog.Info("Applied model config patch.", "rule", rule.name)
		}
	}
	if !patched {
		return nil
	}

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode patched model config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write patched model config: %w", err)
	}
	return nil
}

// memoryBudgetArgs probes accelerator memory and reserves KV-cache headroom
// on memory-constrained devices, where the image encoder needs its share.
func memoryBudgetArgs() []string {
	out, err := exec.Command("nvidia-smi", "--query-gpu=memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		slog.Warn("Could not query accelerator memory, using server defaults.", "error", err)
		return nil
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) == 0 {
		return nil
	}
	totalMiB, err := strconv.Atoi(fields[0])
	if err != nil {
		slog.Warn("Unparseable accelerator memory report.", "output", string(out))
		return nil
	}
	if totalMiB/1024 < gpuMemoryBudgetGiB {
		slog.Info("Memory-constrained accelerator detected, lowering static memory fraction.", "totalMiB", totalMiB)
		return []string{"--mem-fraction-static", "0.80"}
	}
	return nil
}
