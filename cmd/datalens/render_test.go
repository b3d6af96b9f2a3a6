package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/datalens/internal/adapters/providers"
	"github.com/manthysbr/datalens/internal/core/domain"
)

func TestWriteChart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "charts")
	chart := &domain.ChartHandle{ID: "chart-1", MIMEType: "image/svg+xml", Data: []byte("<svg/>")}

	path, err := writeChart(dir, chart)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "chart-1.svg"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "<svg/>", string(data))
}

func TestChartExt(t *testing.T) {
	assert.Equal(t, ".png", chartExt("image/png"))
	assert.Equal(t, ".svg", chartExt("image/svg+xml"))
	assert.Equal(t, ".bin", chartExt("application/x-unknown"))
}

func TestPrinter_Answer(t *testing.T) {
	var out bytes.Buffer
	p := &printer{w: &out, outDir: t.TempDir()}
	code := "plt.bar(df['x'], df['y'])"

	err := p.answer("plot it", domain.ResponseRecord{
		Text:     "Here you go",
		Code:     &code,
		Language: "javascript",
		Chart:    &domain.ChartHandle{ID: "chart-2", MIMEType: "image/png", Data: make([]byte, 2048)},
	})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Here you go")
	assert.Contains(t, out.String(), code)
	assert.Contains(t, out.String(), "chart-2.png (2.0 kB)")
}

func TestReadTrace(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"output":"ok","intermediate_steps":[[{"tool":"python_repl_ast","tool_input":{"query":"1+1"}},"2"]]}`), 0o644))

	trace, err := readTrace(good)
	require.NoError(t, err)
	assert.Equal(t, "ok", trace.Output)
	require.Len(t, trace.Steps, 1)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{}`), 0o644))
	_, err = readTrace(empty)
	assert.Error(t, err)

	_, err = readTrace(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "ask", "replay"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestReplayCmd_WritesChart(t *testing.T) {
	t.Setenv("DATALENS_SECRET_KEY", "replay-test")
	dir := t.TempDir()
	data := filepath.Join(dir, "sales.csv")
	require.NoError(t, os.WriteFile(data, []byte("region,revenue\nnorth,120\nsouth,80\n"), 0o644))
	trace := filepath.Join(dir, "trace.json")
	require.NoError(t, os.WriteFile(trace, []byte(`{
		"output": "Revenue by region",
		"intermediate_steps": [[{"tool": "python_repl_ast", "tool_input": {"query": "plt.bar(df['region'], df['revenue'])"}}, ""]]
	}`), 0o644))
	outDir := filepath.Join(dir, "charts")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{
		"--config", filepath.Join(dir, "absent.toml"),
		"replay", "--data", data, "--trace", trace, "--query", "revenue by region", "--out", outDir,
	})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "chart saved to "+outDir)
	charts, err := filepath.Glob(filepath.Join(outDir, "*.svg"))
	require.NoError(t, err)
	assert.Len(t, charts, 1)
}

func writeSales(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "sales.csv")
	require.NoError(t, os.WriteFile(path, []byte("region,revenue\nnorth,120\nsouth,80\n"), 0o644))
	return path
}

func TestAskCmd_RefusesAgentOnDockerBackend(t *testing.T) {
	t.Setenv("DATALENS_SECRET_KEY", "ask-test")
	t.Setenv("DATALENS_EXECUTOR", "docker")
	dir := t.TempDir()

	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{
		"--config", filepath.Join(dir, "absent.toml"),
		"ask", "--data", writeSales(t, dir), "total revenue?",
	})

	assert.ErrorIs(t, root.Execute(), providers.ErrEngineLanguage)
}

func TestNewApp_DockerBackendRunsWithoutAgent(t *testing.T) {
	t.Setenv("DATALENS_SECRET_KEY", "serve-test")
	t.Setenv("DATALENS_EXECUTOR", "docker")
	dir := t.TempDir()
	ctx := context.Background()

	a, err := newApp(ctx, appOptions{configPath: filepath.Join(dir, "absent.toml"), inMemory: true, withEngine: true})
	require.NoError(t, err)
	defer a.Close()

	sess, err := openSession(ctx, a, writeSales(t, dir))
	require.NoError(t, err)

	_, err = a.sessions.Ask(ctx, sess.ID, "total revenue?")
	assert.ErrorIs(t, err, domain.ErrNoEngine)
}
