package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/config"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/hypervisor"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/session"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hypervisor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// seedStore runs one audited session to termination against a SQLite store
// and returns the config path, the session id and its root.
func seedStore(t *testing.T) (string, string, string) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "hv.db")
	path := writeConfig(t, fmt.Sprintf("log_level: error\nstore:\n  driver: sqlite\n  dsn: %s\n", dsn))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	ctx := context.Background()
	h, err := hypervisor.NewFromConfig(ctx, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, h.Close(ctx)) }()

	sid, err := h.CreateSession(ctx, session.DefaultConfig(), "did:a")
	require.NoError(t, err)
	sigma := 0.9
	_, err = h.JoinSession(ctx, sid, hypervisor.JoinRequest{AgentDID: "did:a", SigmaRaw: &sigma})
	require.NoError(t, err)
	require.NoError(t, h.ActivateSession(ctx, sid))
	_, err = h.WriteFile(ctx, sid, "did:a", "report.md", []byte("draft"))
	require.NoError(t, err)
	_, err = h.WriteFile(ctx, sid, "did:a", "report.md", []byte("final"))
	require.NoError(t, err)
	root, err := h.TerminateSession(ctx, sid)
	require.NoError(t, err)
	return path, sid, root
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestConfigCmd_RedactsSecrets(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: postgres\n  dsn: postgres://hv:hunter2@db/hv\n")
	code, out, _ := run("config", "--config", path)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "max_participants: 10")
	assert.Contains(t, out, "driver: postgres")
	assert.NotContains(t, out, "hunter2")
}

func TestConfigCmd_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "log_format: xml\n")
	code, _, errOut := run("config", "--config", path)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "log_format")
}

func TestCommitmentsList(t *testing.T) {
	path, sid, _ := seedStore(t)

	code, out, errOut := run("commitments", "list", "--config", path)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, sid)
	assert.Contains(t, out, "did:a")

	code, out, _ = run("commitments", "list", "--json", "--config", path)
	require.Equal(t, 0, code)
	var recs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, sid, recs[0]["session_id"])
	assert.EqualValues(t, 2, recs[0]["delta_count"])
}

func TestCommitmentsList_NeedsStore(t *testing.T) {
	code, _, errOut := run("commitments", "list", "--config", writeConfig(t, "log_level: info\n"))
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "store.driver")
}

func TestVerifyCmd(t *testing.T) {
	path, sid, root := seedStore(t)

	code, out, errOut := run("verify", "--config", path, "--session", sid, "--root", root)
	assert.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "PASS")

	code, out, _ = run("verify", "--config", path, "--session", sid, "--root", "00ff")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "claimed root differs")

	code, out, _ = run("verify", "--config", path, "--session", sid, "--json")
	assert.Equal(t, 0, code)
	var report VerifyReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Pass)
	assert.Equal(t, root, report.ComputedRoot)
	assert.Equal(t, 2, report.DeltaCount)

	code, _, _ = run("verify", "--config", path, "--session", "no-such-session")
	assert.Equal(t, 2, code)

	code, _, _ = run("verify", "--config", path)
	assert.Equal(t, 2, code, "--session is required")
}
