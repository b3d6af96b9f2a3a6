package docker

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/semaphore"

	"github.com/manthysbr/datalens/internal/core/domain"
	"github.com/manthysbr/datalens/internal/core/ports"
)

const (
	Language = "python"
	MIMEType = "image/png"

	DefaultImage = "jupyter/scipy-notebook:latest"

	containerWorkDir = "/work"
	containerOutDir  = "/out"
	dataFile         = "data.csv"
	snippetFile      = "snippet.py"
	runnerFile       = "runner.py"
	chartFile        = "chart.png"
)

// runner binds exactly plt and df for the snippet and saves the figure, if
// one was drawn.
const runner = `import matplotlib
matplotlib.use("Agg")
import matplotlib.pyplot as _plt
import pandas as _pd

_ns = {"plt": _plt, "df": _pd.read_csv("/work/data.csv")}
with open("/work/snippet.py") as _f:
    _code = _f.read()
exec(compile(_code, "<snippet>", "exec"), _ns)
if _plt.get_fignums():
    _plt.savefig("/out/chart.png", bbox_inches="tight")
`

// containerAPI is the part of the Docker client the executor uses.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// Options configures the container backend.
type Options struct {
	Image    string
	Timeout  time.Duration
	MemoryMB int64
	CPUs     float64
	WorkRoot string // host directory for per-run scratch dirs; os.TempDir when empty

	// MaxConcurrent caps containers running at once; callers past the cap
	// wait, still bounded by their own context.
	MaxConcurrent int64
}

// Executor runs plotting snippets as Python + matplotlib in a throwaway
// container with no network and a read-only root filesystem.
type Executor struct {
	logger *slog.Logger
	cli    containerAPI
	opts   Options
	slots  *semaphore.Weighted
}

// Ensure Executor implements CodeExecutor
var _ ports.CodeExecutor = (*Executor)(nil)

// NewExecutor connects to the Docker daemon from the environment.
func NewExecutor(logger *slog.Logger, opts Options) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newExecutor(logger, cli, opts), nil
}

func newExecutor(logger *slog.Logger, cli containerAPI, opts Options) *Executor {
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MemoryMB <= 0 {
		opts.MemoryMB = 512
	}
	if opts.CPUs <= 0 {
		opts.CPUs = 1
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	return &Executor{logger: logger, cli: cli, opts: opts, slots: semaphore.NewWeighted(opts.MaxConcurrent)}
}

// Language implements ports.CodeExecutor.
func (e *Executor) Language() string { return Language }

// Execute implements ports.CodeExecutor.
func (e *Executor) Execute(ctx context.Context, code string, ds *domain.Dataset) (*domain.ChartHandle, error) {
	if ds == nil {
		return nil, &domain.ExecutionError{Reason: "no dataset bound"}
	}
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return nil, &domain.ExecutionError{Reason: "interrupted: " + err.Error()}
	}
	defer e.slots.Release(1)

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	workDir, outDir, err := e.prepare(code, ds)
	if err != nil {
		return nil, &domain.ExecutionError{Reason: err.Error()}
	}
	defer os.RemoveAll(filepath.Dir(workDir))

	name := "datalens-exec-" + uuid.New().String()
	id, err := e.create(ctx, name, workDir, outDir)
	if err != nil {
		return nil, &domain.ExecutionError{Reason: err.Error()}
	}
	defer func() {
		// The run context may be spent; removal must still happen.
		rmCtx, rmCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer rmCancel()
		if err := e.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			e.logger.Warn("failed to remove container", "container", name, "error", err)
		}
	}()

	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, &domain.ExecutionError{Reason: fmt.Sprintf("start container: %v", err)}
	}

	exitCode, err := e.wait(ctx, id)
	if err != nil {
		return nil, &domain.ExecutionError{Reason: err.Error()}
	}
	if exitCode != 0 {
		return nil, &domain.ExecutionError{Reason: e.failureReason(ctx, id, exitCode)}
	}

	data, err := os.ReadFile(filepath.Join(outDir, chartFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.ExecutionError{Reason: fmt.Sprintf("read chart: %v", err)}
	}

	return &domain.ChartHandle{
		ID:        domain.NewChartID(),
		MIMEType:  MIMEType,
		Data:      data,
		CreatedAt: time.Now(),
	}, nil
}

// prepare lays out <scratch>/work (dataset, snippet, runner) and
// <scratch>/out (writable by the container user).
func (e *Executor) prepare(code string, ds *domain.Dataset) (string, string, error) {
	scratch, err := os.MkdirTemp(e.opts.WorkRoot, "datalens-exec-")
	if err != nil {
		return "", "", fmt.Errorf("create scratch dir: %w", err)
	}
	workDir := filepath.Join(scratch, "work")
	outDir := filepath.Join(scratch, "out")
	for _, dir := range []string{workDir, outDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			os.RemoveAll(scratch)
			return "", "", fmt.Errorf("create %s: %w", dir, err)
		}
	}
	// The image's user is not the host user.
	_ = os.Chmod(outDir, 0o777)

	var buf bytes.Buffer
	if err := writeCSV(&buf, ds); err != nil {
		os.RemoveAll(scratch)
		return "", "", err
	}
	files := map[string][]byte{
		dataFile:    buf.Bytes(),
		snippetFile: []byte(code),
		runnerFile:  []byte(runner),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(workDir, name), content, 0o644); err != nil {
			os.RemoveAll(scratch)
			return "", "", fmt.Errorf("write %s: %w", name, err)
		}
	}
	return workDir, outDir, nil
}

func (e *Executor) create(ctx context.Context, name, workDir, outDir string) (string, error) {
	cfg := &container.Config{
		Image:      e.opts.Image,
		Cmd:        []string{"python", containerWorkDir + "/" + runnerFile},
		WorkingDir: "/tmp",
		Env:        []string{"MPLCONFIGDIR=/tmp", "HOME=/tmp"},
		Labels: map[string]string{
			"datalens.managed": "true",
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: workDir, Target: containerWorkDir, ReadOnly: true},
			{Type: mount.TypeBind, Source: outDir, Target: containerOutDir},
		},
		Resources: container.Resources{
			Memory:   e.opts.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(e.opts.CPUs * 1e9),
		},
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		e.logger.Info("pulling executor image", "image", e.opts.Image)
		reader, pullErr := e.cli.ImagePull(ctx, e.opts.Image, image.PullOptions{})
		if pullErr != nil {
			return "", fmt.Errorf("pull image %s: %w", e.opts.Image, pullErr)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = e.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

func (e *Executor) wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return 0, fmt.Errorf("wait container: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return 0, fmt.Errorf("interrupted: %w", ctx.Err())
		}
		return 0, fmt.Errorf("wait container: %w", err)
	case <-ctx.Done():
		return 0, fmt.Errorf("interrupted: %w", ctx.Err())
	}
}

// failureReason returns the last stderr line, which for a Python traceback
// is the exception ("KeyError: 'y'").
func (e *Executor) failureReason(ctx context.Context, id string, exitCode int64) string {
	fallback := fmt.Sprintf("exit status %d", exitCode)
	logs, err := e.cli.ContainerLogs(context.WithoutCancel(ctx), id, container.LogsOptions{ShowStderr: true})
	if err != nil {
		return fallback
	}
	defer logs.Close()

	var stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(io.Discard, &stderr, logs); err != nil {
		return fallback
	}
	lines := strings.Split(strings.TrimSpace(stderr.String()), "\n")
	if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
		return last
	}
	return fallback
}

func writeCSV(w io.Writer, ds *domain.Dataset) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ds.ColumnNames()); err != nil {
		return err
	}
	record := make([]string, len(ds.Columns))
	for i := 0; i < ds.RowCount; i++ {
		for j, v := range ds.Row(i) {
			record[j] = formatCell(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "True"
		}
		return "False"
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
