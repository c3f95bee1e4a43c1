package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specjet-api/specjet-sub000/pkg/lifecycle"
)

const usersContract = `openapi: 3.0.3
info:
  title: Users
  version: 1.2.0
paths:
  /users/{id}:
    get:
      operationId: getUser
      parameters:
        - name: id
          in: path
          required: true
          example: 7
          schema:
            type: integer
      responses:
        "200":
          description: a user
          content:
            application/json:
              schema:
                $ref: "#/components/schemas/User"
  /health:
    get:
      responses:
        "200":
          description: ok
components:
  schemas:
    User:
      type: object
      required: [id, name]
      properties:
        id:
          type: integer
        name:
          type: string
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if k, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, "SPECJET_") {
			t.Setenv(k, "")
		}
	}
}

func writeContract(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "openapi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(usersContract), 0o600))
	return path
}

func usersAPI(t *testing.T, name any) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/users/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 7, "name": name})
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func validateArgs(contractPath, baseURL string, extra ...string) []string {
	args := []string{"specjet", "validate",
		"--contract", contractPath,
		"--base-url", baseURL,
		"--discover", "--rps", "1000", "--retries", "0", "--no-color",
	}
	return append(args, extra...)
}

func TestRun_Commands(t *testing.T) {
	var stdout, stderr bytes.Buffer

	assert.Equal(t, exitRuntime, Run([]string{"specjet"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage")

	stdout.Reset()
	assert.Equal(t, exitPass, Run([]string{"specjet", "version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "specjet dev")

	assert.Equal(t, exitPass, Run([]string{"specjet", "help"}, &stdout, &stderr))

	stderr.Reset()
	assert.Equal(t, exitRuntime, Run([]string{"specjet", "launch"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: launch")
}

func TestValidate_MissingConfiguration(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer

	code := Run([]string{"specjet", "validate"}, &stdout, &stderr)
	assert.Equal(t, exitRuntime, code)
	assert.Contains(t, stderr.String(), "Error:")
}

func TestValidate_BadFlag(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitRuntime, Run([]string{"specjet", "validate", "--concurrency", "lots"}, &stdout, &stderr))
}

func TestValidate_ConformingAPIPassesGate(t *testing.T) {
	clearEnv(t)
	srv := usersAPI(t, "ada")
	var stdout, stderr bytes.Buffer

	code := Run(validateArgs(writeContract(t), srv.URL, "--json"), &stdout, &stderr)
	require.Equal(t, exitPass, code, stderr.String())

	var rep struct {
		RunID    string `json:"run_id"`
		Contract struct {
			Title   string `json:"title"`
			Version string `json:"version"`
		} `json:"contract"`
		Results []struct {
			Endpoint   string `json:"endpoint"`
			Method     string `json:"method"`
			Success    bool   `json:"success"`
			StatusCode *int   `json:"status_code"`
		} `json:"results"`
		Statistics struct {
			Total  int `json:"total"`
			Passed int `json:"passed"`
		} `json:"statistics"`
		Gate struct {
			Passed bool `json:"passed"`
		} `json:"gate"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rep))

	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, "Users", rep.Contract.Title)
	assert.Equal(t, "1.2.0", rep.Contract.Version)
	require.Len(t, rep.Results, 2)
	for _, r := range rep.Results {
		assert.True(t, r.Success, r.Endpoint)
		require.NotNil(t, r.StatusCode)
		assert.Equal(t, http.StatusOK, *r.StatusCode)
	}
	assert.Equal(t, 2, rep.Statistics.Total)
	assert.Equal(t, 2, rep.Statistics.Passed)
	assert.True(t, rep.Gate.Passed)
}

func TestValidate_ContractViolationFailsGate(t *testing.T) {
	clearEnv(t)
	srv := usersAPI(t, 123)
	var stdout, stderr bytes.Buffer

	code := Run(validateArgs(writeContract(t), srv.URL), &stdout, &stderr)
	assert.Equal(t, exitFail, code, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "✗")
	assert.Contains(t, out, "type_mismatch")
	assert.Contains(t, out, "gate failed")
}

func TestValidate_CustomGate(t *testing.T) {
	clearEnv(t)
	srv := usersAPI(t, 123)
	var stdout, stderr bytes.Buffer

	code := Run(validateArgs(writeContract(t), srv.URL, "--gate", "stats.success_rate >= 50.0"), &stdout, &stderr)
	assert.Equal(t, exitPass, code, stderr.String())
	assert.Contains(t, stdout.String(), "gate passed")
}

func TestValidate_InvalidGateIsRuntimeError(t *testing.T) {
	clearEnv(t)
	srv := usersAPI(t, "ada")
	var stdout, stderr bytes.Buffer

	code := Run(validateArgs(writeContract(t), srv.URL, "--gate", "stats.failed =="), &stdout, &stderr)
	assert.Equal(t, exitRuntime, code)
}

func TestValidate_ContractVersionConstraint(t *testing.T) {
	clearEnv(t)
	srv := usersAPI(t, "ada")
	var stdout, stderr bytes.Buffer

	code := Run(validateArgs(writeContract(t), srv.URL, "--contract-version", ">= 2.0.0"), &stdout, &stderr)
	assert.Equal(t, exitRuntime, code)
	assert.Contains(t, stderr.String(), "constraint")
}

func TestWatchContract_RerunsOnChange(t *testing.T) {
	path := writeContract(t)
	manager := lifecycle.NewManager()
	t.Cleanup(func() { manager.Cleanup(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- watchContract(ctx, manager, path, 50*time.Millisecond, slog.Default(), func(context.Context) {
			runs.Add(1)
		})
	}()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Several writes in quick succession collapse into one re-run.
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte(usersContract+"\n"), 0o600))
	}
	require.Eventually(t, func() bool { return runs.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "notes.txt"), []byte("x"), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), runs.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancellation")
	}
}
