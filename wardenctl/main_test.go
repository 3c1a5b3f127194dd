package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jveski/warden/internal/rpc"
	"github.com/jveski/warden/internal/supervisor"
)

func TestLoadTrustedCerts(t *testing.T) {
	dir := t.TempDir()

	list, err := loadTrustedCerts(dir)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "trustedcerts"), []byte("# prod\naaa\n\n  bbb  \n"), 0644))
	list, err = loadTrustedCerts(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "bbb"}, list)
}

func TestGetErrorString(t *testing.T) {
	msg := getErrorString(fmt.Errorf("sending request: %w", &rpc.ErrUntrustedServer{Fingerprint: "srv"}))
	assert.Contains(t, msg, `echo "srv" >> ~/.wardenctl/trustedcerts`)

	msg = getErrorString(&rpc.ErrUntrustedClient{Fingerprint: "cli"})
	assert.Contains(t, msg, `trusted_clients = ["cli"]`)

	assert.Equal(t, "error: boom\n", getErrorString(fmt.Errorf("boom")))
}

func TestLogsQuery(t *testing.T) {
	assert.Equal(t, "workload=validator", logsQuery("validator", 0, false).Encode())
	assert.Equal(t, "follow=true&since=1h0m0s&workload=validator", logsQuery("validator", time.Hour, true).Encode())
}

func TestPrintResult(t *testing.T) {
	from := digest.Digest("sha256:aaaaaaaaaaaaaaaaaaaa")
	to := digest.Digest("sha256:bbbbbbbbbbbbbbbbbbbb")

	tests := []struct {
		result   *supervisor.Result
		expected string
	}{
		{
			result:   &supervisor.Result{Workload: "validator", From: from, To: to, Outcome: supervisor.OutcomeReplaced},
			expected: "validator: replaced aaaaaaaaaaaa with bbbbbbbbbbbb\n",
		},
		{
			result:   &supervisor.Result{Workload: "validator", From: from, To: to, Outcome: supervisor.OutcomeFailed, Reason: "not ready"},
			expected: "validator: replacement with bbbbbbbbbbbb failed: not ready\n",
		},
		{
			result:   &supervisor.Result{Workload: "validator", From: from, Outcome: supervisor.OutcomeUpToDate},
			expected: "validator: up-to-date\n",
		},
		{
			result:   &supervisor.Result{Workload: "validator", Outcome: supervisor.OutcomeSkipped, Reason: "registry unreachable"},
			expected: "validator: skipped (registry unreachable)\n",
		},
	}
	for _, tc := range tests {
		t.Run(string(tc.result.Outcome), func(t *testing.T) {
			buf := &bytes.Buffer{}
			printResult(tc.result, buf)
			assert.Equal(t, tc.expected, buf.String())
		})
	}
}
