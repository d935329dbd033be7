package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wakala/batchpay/internal/submission"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitDryRunWithoutGateway(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("BATCHPAY_DATABASE_PATH", filepath.Join(dir, "cli.db"))
	t.Setenv("DB_PATH", "")
	t.Setenv("BATCHPAY_GATEWAY_BASE_URL", "")

	csvPath := filepath.Join(dir, "batch.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("transaction_id,amount,first_name,last_name,iban\n"+
		"T1,12.50,Ada,Lovelace,DE89370400440532013000\n"+
		"T2,,Alan,Turing,DE89370400440532013000\n"), 0o644))

	out, err := execute(t, "ingest", csvPath)
	require.NoError(t, err)
	fields := strings.Fields(out)
	require.NotEmpty(t, fields)
	id := fields[0]

	out, err = execute(t, "submit", id, "--dry-run")
	require.NoError(t, err)

	var summary submission.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Len(t, summary.DryRun, 2)
	assert.Equal(t, "T1", summary.DryRun[0].TransactionID)
	assert.Equal(t, "12.50 EUR", summary.DryRun[0].Display)
	assert.NotEmpty(t, summary.DryRun[1].ValidationError)
	assert.Equal(t, 2, summary.Counters.Pending)
}

func TestSubmitWithoutGatewayFails(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("BATCHPAY_DATABASE_PATH", filepath.Join(dir, "cli.db"))
	t.Setenv("DB_PATH", "")
	t.Setenv("BATCHPAY_GATEWAY_BASE_URL", "")

	_, err := execute(t, "submit", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway base url")
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
