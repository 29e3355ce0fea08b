package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/tenantpulse/am"
	"github.com/teranos/tenantpulse/logger"
	"github.com/teranos/tenantpulse/pulse/builtin"
	"github.com/teranos/tenantpulse/pulse/engine"
	"github.com/teranos/tenantpulse/pulse/tenant"
)

func singleConfig(t *testing.T) *am.Config {
	t.Helper()
	return &am.Config{
		Database: am.DatabaseConfig{Path: filepath.Join(t.TempDir(), "pulse.db"), Driver: "sqlite3"},
		Pulse: am.PulseConfig{
			PollIntervalMS: 10,
			BatchSize:      1,
			QueueBackend:   am.QueueBackendSQL,
			RetentionDays:  7,
			CleanupCron:    builtin.DefaultCleanupCron,
		},
		Scheduler: am.SchedulerConfig{Mode: am.ModeSingle, MaxSchedulers: 4, TTLMinutes: 30},
	}
}

func TestSplitPair(t *testing.T) {
	tenantID, orgID := splitPair("acme/ops")
	assert.Equal(t, "acme", tenantID)
	assert.Equal(t, "ops", orgID)

	tenantID, orgID = splitPair("acme")
	assert.Equal(t, "acme", tenantID)
	assert.Equal(t, tenant.DefaultOrgID, orgID)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestBuildRuntime_SingleMode(t *testing.T) {
	cfg := singleConfig(t)
	require.NoError(t, cfg.Validate())

	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	rt, err := buildRuntime(ctx, cfg, true, zap.New(core).Sugar())
	require.NoError(t, err)

	h, err := schedulerFor(ctx, rt, "", "")
	require.NoError(t, err)
	assert.Equal(t, tenant.DefaultTenantID, h.TenantID())
	assert.True(t, h.Engine().Started())

	var names []string
	for _, info := range h.Engine().ListJobs() {
		names = append(names, info.Name)
	}
	assert.Contains(t, names, builtin.CleanupJobName)

	resp, err := h.QueueJob(ctx, engine.QueueRequest{
		Name:   builtin.CleanupJobName,
		Params: []byte(`{"retention_days":1}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.JobID)

	require.Eventually(t, func() bool {
		for _, entry := range logs.FilterMessage("Job event").All() {
			if entry.ContextMap()[logger.FieldEvent] == engine.LifecycleEvent(builtin.CleanupJobName, engine.PhaseCompleted) {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "event tap logs the completed cleanup")

	require.NoError(t, rt.Close(ctx))
	_, err = os.Stat(cfg.Database.Path)
	assert.NoError(t, err)
}

func TestBuildRuntime_SubmitOnly(t *testing.T) {
	cfg := singleConfig(t)
	ctx := context.Background()

	rt, err := buildRuntime(ctx, cfg, false, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer rt.Close(ctx)

	h, err := schedulerFor(ctx, rt, "", "")
	require.NoError(t, err)

	jobs := h.Engine().ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, builtin.CleanupJobName, jobs[0].Name)
	assert.True(t, jobs[0].Hidden)
}

func TestAmInit_WritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, runAmInit(amInitCmd, []string{path}))

	cfg, err := am.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, am.ModeSingle, cfg.Scheduler.Mode)
	assert.Equal(t, am.QueueBackendSQL, cfg.Pulse.QueueBackend)
	assert.NoError(t, cfg.Validate())

	require.NoError(t, runAmInit(amInitCmd, []string{path}))
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err, "second init keeps a backup")
}

func TestVersionCmd_JSONIncludesSchema(t *testing.T) {
	var buf bytes.Buffer
	VersionCmd.SetOut(&buf)
	defer VersionCmd.SetOut(nil)
	require.NoError(t, VersionCmd.Flags().Set("json", "true"))
	defer VersionCmd.Flags().Set("json", "false")

	require.NoError(t, VersionCmd.RunE(VersionCmd, nil))

	var info map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &info))
	assert.Equal(t, "003", info["schema"])
	assert.NotEmpty(t, info["go_version"])
}
