// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

//go:build e2e

package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const capacityCSV = `year,country,source,capacity
2023,Germany,Total,5255
2023,Germany,Solar,3100
2023,Germany,Wind,2155
2023,Italy,Total,4100
2023,Italy,Solar,2900
2023,Italy,Wind,1200
`

func writeConfig(t *testing.T, addr string) string {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "capacity.csv")
	require.NoError(t, os.WriteFile(data, []byte(capacityCSV), 0o600))

	cfg := fmt.Sprintf(`server:
  addr: %q
logging:
  level: error
telemetry:
  metrics: false
approvals:
  row_threshold: 0
datasets:
  specs:
    - name: capacity
      path: %s
      total_column: source
`, addr, data)
	path := filepath.Join(dir, "queryd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestAsk_MachineOutput(t *testing.T) {
	cfg := writeConfig(t, "127.0.0.1:0")
	cmd := exec.Command(cliBinary, "ask", "-c", cfg, "-o", "machine", "-d", "capacity",
		"show capacity for Germany 2023")
	out, err := cmd.Output()
	require.NoError(t, err, string(out))

	var last map[string]any
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		last = nil
		require.NoError(t, json.Unmarshal(sc.Bytes(), &last), sc.Text())
	}
	require.NotNil(t, last)
	assert.Equal(t, "done", last["type"])
	assert.Equal(t, "3 records; year: 2023; country: Germany; total: 5255", last["digest"])
}

func TestServe(t *testing.T) {
	addr := freeAddr(t)
	base := "http://" + addr
	cmd := exec.Command(cliBinary, "serve", "-c", writeConfig(t, addr), "-o", "plain")
	require.NoError(t, cmd.Start())
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	t.Cleanup(func() {
		if cmd.ProcessState == nil {
			_ = cmd.Process.Kill()
		}
	})

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 100*time.Millisecond, "server never became healthy")

	t.Run("streamed query", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, base+"/v1/conversations/e2e/query",
			strings.NewReader(`{"query":"show capacity for Italy 2023","dataset_id":"capacity"}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `"type":"structured"`)
		assert.Contains(t, string(body), "3 records; year: 2023; country: Italy; total: 4100")
	})

	t.Run("upload with secret rejected", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", "keys.csv")
		require.NoError(t, err)
		_, err = part.Write([]byte("owner,key,amount\nbob,AKIA1234567890123456,3\n"))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		resp, err := http.Post(base+"/v1/datasets", mw.FormDataContentType(), &buf)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "restricted data")
		assert.NotContains(t, string(body), "AKIA1234")
	})

	require.NoError(t, cmd.Process.Signal(syscall.SIGTERM))
	select {
	case err := <-exited:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("queryd did not exit after SIGTERM")
	}
}
