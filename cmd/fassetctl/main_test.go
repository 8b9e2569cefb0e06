package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fassets/internal/hmacauth"
	"fassets/internal/idempotency"
	"fassets/internal/server"
	"fassets/internal/snapshot"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTicketsPrintsTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/agents/0x00000000000000000000000000000000000000a1/tickets", r.URL.Path)
		_, _ = io.WriteString(w, `[{"id":7,"agent":"0x00000000000000000000000000000000000000a1","valueAMG":20000}]`)
	}))
	defer srv.Close()

	out, err := execute(t, "--url", srv.URL, "tickets", "--agent", "0x00000000000000000000000000000000000000a1")
	require.NoError(t, err)
	require.Contains(t, out, "VALUE_AMG")
	require.Contains(t, out, "20000")
}

func TestEventsForwardsFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "MintingExecuted", q.Get("name"))
		require.Equal(t, "12", q.Get("after"))
		require.Equal(t, "5", q.Get("limit"))
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	_, err := execute(t, "--url", srv.URL, "events", "--name", "MintingExecuted", "--after", "12", "--limit", "5")
	require.NoError(t, err)
}

func TestTriggerSignsRequest(t *testing.T) {
	const secret = "s3cret"
	const keyHex = "0000000000000000000000000000000000000000000000000000000000000007"
	key, err := crypto.HexToECDSA(keyHex)
	require.NoError(t, err)
	caller := crypto.PubkeyToAddress(key.PublicKey).Hex()
	verifier := &hmacauth.Verifier{
		Secrets:      []string{secret},
		MaxSkew:      time.Minute,
		Bound:        []string{server.HeaderCaller},
		CallerHeader: server.HeaderCaller,
	}
	var calls int
	srv := httptest.NewServer(verifier.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/core-vault/trigger", r.URL.Path)
		require.NotEmpty(t, r.Header.Get(idempotency.HeaderKey))
		require.Equal(t, caller, r.Header.Get(server.HeaderCaller))
		_, _ = io.WriteString(w, `{"instructions":2}`)
	})))
	defer srv.Close()

	out, err := execute(t, "--url", srv.URL, "--secret", secret, "--key", keyHex, "trigger")
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Contains(t, out, `"instructions": 2`)

	_, err = execute(t, "--url", srv.URL, "--secret", "wrong", "--key", keyHex, "trigger")
	require.Error(t, err)
	_, err = execute(t, "--url", srv.URL, "--secret", secret, "--caller", caller, "trigger")
	require.Error(t, err, "the secret alone does not prove the caller")
	_, err = execute(t, "--url", srv.URL, "--secret", secret, "--key", keyHex,
		"--caller", "0x00000000000000000000000000000000000000b0", "trigger")
	require.ErrorContains(t, err, "does not belong")
	require.Equal(t, 1, calls)
}

func TestErrorBodyIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown redemption", "code": "not_found", "requestId": "r-1"})
	}))
	defer srv.Close()

	_, err := execute(t, "--url", srv.URL, "redemption", "9")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Equal(t, "not_found", apiErr.Code)
	require.True(t, strings.Contains(err.Error(), "r-1"))
}

func TestSnapshotInspect(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, snapshot.FileName(42))
	st := snapshot.State{Header: snapshot.Header{Version: 1, Seq: 42, SettingsHash: "abc", Agents: 3}}
	require.NoError(t, snapshot.Write(path, st))

	out, err := execute(t, "snapshot", "inspect", path)
	require.NoError(t, err)
	require.Contains(t, out, `"seq": 42`)

	out, err = execute(t, "snapshot", "list", dir)
	require.NoError(t, err)
	require.Equal(t, path+"\n", out)
}
