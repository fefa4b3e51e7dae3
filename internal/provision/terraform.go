package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TerraformConfig configures the terraform-backed provisioner.
type TerraformConfig struct {
	BinPath      string
	ConfigDir    string
	StateDir     string
	HealthBudget time.Duration
	HealthPoll   time.Duration
}

// TerraformProvisioner shells out to terraform with one state file per room.
// The module under ConfigDir is expected to declare room_id, room_name,
// workload_kind and credential_ref variables and an access_url output.
type TerraformProvisioner struct {
	cfg    TerraformConfig
	client *http.Client
	logger *slog.Logger
}

// NewTerraformProvisioner constructs the provisioner.
func NewTerraformProvisioner(cfg TerraformConfig, logger *slog.Logger) *TerraformProvisioner {
	if cfg.BinPath == "" {
		cfg.BinPath = "terraform"
	}
	if cfg.HealthBudget <= 0 {
		cfg.HealthBudget = 5 * time.Minute
	}
	if cfg.HealthPoll <= 0 {
		cfg.HealthPoll = 10 * time.Second
	}
	return &TerraformProvisioner{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (p *TerraformProvisioner) Provision(ctx context.Context, spec Spec, onProgress func(string)) (*Result, error) {
	progress := progressFunc(onProgress)
	if err := os.MkdirAll(p.cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure terraform state dir: %w", err)
	}
	args := []string{"apply", "-auto-approve", "-input=false", "-no-color",
		"-state=" + p.statePath(spec.RoomID),
		"-var=room_id=" + spec.RoomID,
		"-var=room_name=" + spec.RoomName,
		"-var=workload_kind=" + spec.WorkloadKind,
	}
	var env []string
	if spec.Credential != nil {
		args = append(args, "-var=credential_ref="+spec.Credential.Ref)
		// Secrets travel via the environment, never argv.
		env = append(env, "TF_VAR_credential_secret="+spec.Credential.Secret)
	}
	if err := p.run(ctx, progress, env, args...); err != nil {
		return nil, fmt.Errorf("terraform apply: %w", err)
	}
	progress("infrastructure ready, reading access url")
	accessURL, err := p.output(ctx, spec.RoomID, "access_url")
	if err != nil {
		return nil, fmt.Errorf("read access url: %w", err)
	}
	progress("waiting for workload to become healthy")
	healthy := AwaitHealthy(ctx, p.client, HealthURL(accessURL), p.cfg.HealthBudget, p.cfg.HealthPoll, progress)
	return &Result{AccessURL: accessURL, ResourcesCreated: true, Healthy: healthy}, nil
}

func (p *TerraformProvisioner) Destroy(ctx context.Context, roomID string, onProgress func(string)) error {
	progress := progressFunc(onProgress)
	statePath := p.statePath(roomID)
	if _, err := os.Stat(statePath); errors.Is(err, os.ErrNotExist) {
		progress("no terraform state recorded, nothing to destroy")
		return nil
	}
	args := []string{"destroy", "-auto-approve", "-input=false", "-no-color",
		"-state=" + statePath,
		"-var=room_id=" + roomID,
		"-var=room_name=",
		"-var=workload_kind=",
	}
	if err := p.run(ctx, progress, nil, args...); err != nil {
		return fmt.Errorf("terraform destroy: %w", err)
	}
	if err := os.Remove(statePath); err != nil {
		p.logger.Warn("remove terraform state", "room_id", roomID, "err", err)
	}
	_ = os.Remove(statePath + ".backup")
	return nil
}

func (p *TerraformProvisioner) statePath(roomID string) string {
	return filepath.Join(p.cfg.StateDir, roomID+".tfstate")
}

func (p *TerraformProvisioner) run(ctx context.Context, progress func(string), env []string, args ...string) error {
	cmd := exec.CommandContext(ctx, p.cfg.BinPath, args...) // #nosec G204
	cmd.Dir = p.cfg.ConfigDir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	out := &lineWriter{emit: progress}
	cmd.Stdout = out
	cmd.Stderr = out
	err := cmd.Run()
	out.flush()
	return err
}

func (p *TerraformProvisioner) output(ctx context.Context, roomID, name string) (string, error) {
	cmd := exec.CommandContext(ctx, p.cfg.BinPath,
		"output", "-no-color", "-raw", "-state="+p.statePath(roomID), name) // #nosec G204
	cmd.Dir = p.cfg.ConfigDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return "", err
	}
	value := strings.TrimSpace(buf.String())
	if value == "" {
		return "", fmt.Errorf("terraform output %s is empty", name)
	}
	return value, nil
}

// lineWriter splits a command's combined output into lines and hands each
// complete line to emit. Partial trailing output is delivered by flush.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			w.buf.WriteString(line)
			break
		}
		if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
			w.emit(trimmed)
		}
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rest := strings.TrimSpace(w.buf.String()); rest != "" {
		w.emit(rest)
	}
	w.buf.Reset()
}
