package main

import (
	"bytes"
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"path"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/document"
	"github.com/BaSui01/stageflow/internal/metrics"
	"github.com/BaSui01/stageflow/testutil/fixtures"
	"github.com/BaSui01/stageflow/workflow"
)

// stageServer 以固定载荷响应 POST /stages/<stage>
func stageServer(t *testing.T) *httptest.Server {
	t.Helper()
	payloads := fixtures.ValidPayloads()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, ok := payloads[path.Base(r.URL.Path)]
		if !ok {
			http.Error(w, "unknown stage", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Store.Type = "memory"
	cfg.Executor.BaseURL = baseURL
	cfg.Orchestrator.ScanInterval = 5 * time.Millisecond
	cfg.Orchestrator.ExecutorTimeout = 2 * time.Second
	cfg.Orchestrator.RetryBackoff.InitialInterval = time.Millisecond
	cfg.Knowledge.CapabilityCatalog = ""
	cfg.Knowledge.StrategyCatalog = ""
	cfg.Knowledge.CacheEnabled = false
	cfg.Telemetry.Enabled = false
	return cfg
}

func TestApp_StartRunsToCompletion(t *testing.T) {
	srv := stageServer(t)
	collector := metrics.NewCollectorWith("stageflow_test", prometheus.NewRegistry(), nil)

	ctx := context.Background()
	app, err := newApp(ctx, testConfig(srv.URL), zap.NewNop(), collector)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	assert.Len(t, app.HealthChecks(), 1)

	doc, out, err := app.engine.Start(ctx, workflow.StartRequest{Objective: "Cut p95 latency", CandidateLimit: 3})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, document.StatusCompleted, out.Status)
	assert.Equal(t, workflow.ExitCompleted, workflow.ExitCode(out, err))

	var buf bytes.Buffer
	code := report(ctx, app, doc.TaskID, out, nil, false, &buf, &buf)
	assert.Equal(t, workflow.ExitCompleted, code)
	assert.Contains(t, buf.String(), doc.TaskID)
	assert.Contains(t, buf.String(), "STAGE1_ANALYSIS")

	buf.Reset()
	require.NoError(t, document.Export(ctx, app.store, doc.TaskID, &buf))
	assert.Contains(t, buf.String(), "<!-- STAGE4_EXECUTION_START -->")
}

func TestOrchestratorOptions(t *testing.T) {
	oc := config.OrchestratorConfig{
		RetryCeiling:     4,
		ExecutorTimeout:  time.Minute,
		KnowledgeTimeout: 15 * time.Second,
		ScanInterval:     time.Second,
		MaxParallel:      3,
		RecommitPolicy:   "allow",
		RetryBackoff: config.BackoffConfig{
			InitialInterval: 2 * time.Second,
			Multiplier:      3,
			MaxInterval:     time.Minute,
		},
	}
	opts := orchestratorOptions(oc)

	assert.Equal(t, 4, opts.Retry.Ceiling)
	assert.Equal(t, 2*time.Second, opts.Retry.InitialBackoff)
	assert.Equal(t, time.Minute, opts.Retry.MaxBackoff)
	assert.Equal(t, 3.0, opts.Retry.BackoffMultiplier)
	assert.Equal(t, time.Minute, opts.ExecutorTimeout)
	assert.Equal(t, 15*time.Second, opts.KnowledgeTimeout)
	assert.Equal(t, 3, opts.MaxParallel)
	assert.Equal(t, workflow.RecommitAllow, opts.Recommit)
}

func TestStoreConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Type = "redis"
	cfg.Store.KeyPrefix = "sf:"
	cfg.Redis.Addr = "redis:6379"
	cfg.Redis.DB = 2

	sc := storeConfig(cfg)
	assert.Equal(t, document.StoreTypeRedis, sc.Type)
	assert.Equal(t, "sf:", sc.Redis.KeyPrefix)
	assert.Equal(t, "redis:6379", sc.Redis.Addr)
	assert.Equal(t, 2, sc.Redis.DB)
}

func TestParseArgs_PositionalBeforeFlags(t *testing.T) {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "")
	stage := fs.String("stage", "", "")

	positional, err := parseArgs(fs, []string{"task-1", "--json", "--stage", "stage2b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1"}, positional)
	assert.True(t, *jsonOut)
	assert.Equal(t, "stage2b", *stage)
}

func TestStringList(t *testing.T) {
	var tools stringList
	require.NoError(t, tools.Set("git, jira"))
	require.NoError(t, tools.Set("slack"))
	assert.Equal(t, stringList{"git", "jira", "slack"}, tools)
	assert.Equal(t, "git,jira,slack", tools.String())
}

func TestRun_Commands(t *testing.T) {
	var stdout, stderr bytes.Buffer

	assert.Equal(t, workflow.ExitCompleted, run([]string{"version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "StageFlow")

	assert.Equal(t, workflow.ExitError, run(nil, &stdout, &stderr))
	assert.Equal(t, workflow.ExitError, run([]string{"bogus"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: bogus")

	stderr.Reset()
	assert.Equal(t, workflow.ExitError, run([]string{"retry", "task-1"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "--stage")
}

func TestPrintStatus(t *testing.T) {
	report := &workflow.StatusReport{
		TaskID:       "task-1",
		Status:       document.StatusBlocked,
		StatusReason: "stage2b: retry ceiling reached",
		Stages: []workflow.StageStatus{
			{Stage: workflow.StageMeta, Anchor: "STAGE1_ANALYSIS", State: workflow.StageCompleted, Attempts: 1, Version: 1},
			{Stage: workflow.StageSelection, Anchor: "STAGE2B_ANALYSIS", State: workflow.StageFailed, Attempts: 3,
				LastReason: document.ReasonValidationError, Degraded: true},
		},
	}

	var buf bytes.Buffer
	printStatus(&buf, report)
	out := buf.String()

	assert.Contains(t, out, "Status: blocked (stage2b: retry ceiling reached)")
	assert.Contains(t, out, "STAGE2B_ANALYSIS")
	assert.Contains(t, out, "yes")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
