package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// buildBinary compiles the service into dir
func buildBinary(t *testing.T, dir string) string {
	t.Helper()
	binaryPath := filepath.Join(dir, "acremap-test")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if output, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, output)
	}
	return binaryPath
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

// TestServiceStartupShutdown runs the HTTP service, waits for /health and
// stops it with SIGINT.
func TestServiceStartupShutdown(t *testing.T) {
	// Skip if not running integration tests
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, writeFieldsFile(t, tmpDir))
	binaryPath := buildBinary(t, tmpDir)
	port := freePort(t)

	var output bytes.Buffer
	cmd := exec.Command(binaryPath, "--http", "--config="+configPath, fmt.Sprintf("--http-port=%d", port))
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	deadline := time.Now().Add(10 * time.Second)
	healthy := false
	for time.Now().Before(deadline) {
		resp, err := http.Get(healthURL)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				healthy = true
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !healthy {
		_ = cmd.Process.Kill()
		t.Fatalf("Service never became healthy.\nFull output:\n%s", output.String())
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		t.Fatalf("Failed to send SIGINT: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Service exited with error: %v\nFull output:\n%s", err, output.String())
		}
	case <-time.After(10 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("Service did not shut down within timeout")
	}

	outputStr := output.String()
	for _, expected := range []string{
		"acremap service starting...",
		"Loaded 3 fields, 4 features",
		"Service Running",
		"Service stopped",
	} {
		if !strings.Contains(outputStr, expected) {
			t.Errorf("Expected output to contain '%s'.\nFull output:\n%s", expected, outputStr)
		}
	}
}

// TestServiceStartupErrors checks that bad configurations exit non-zero
func TestServiceStartupErrors(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()
	binaryPath := buildBinary(t, tmpDir)

	emptyConfig := filepath.Join(tmpDir, "empty.yaml")
	if err := os.WriteFile(emptyConfig, []byte("http:\n  port: 0\n"), 0644); err != nil {
		t.Fatalf("Failed to create config: %v", err)
	}

	tests := []struct {
		name           string
		args           []string
		expectInOutput string
	}{
		{
			name:           "missing config file",
			args:           []string{"--http", "--config=nonexistent.yaml"},
			expectInOutput: "config file not found",
		},
		{
			name:           "no fields source",
			args:           []string{"--http", "--config=" + emptyConfig},
			expectInOutput: "no fields source",
		},
		{
			name:           "mqtt without broker",
			args:           []string{"--mqtt", "--config=" + emptyConfig, "--data=" + writeFieldsFile(t, tmpDir)},
			expectInOutput: "MQTT broker not configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			cmd := exec.CommandContext(ctx, binaryPath, tt.args...)
			cmd.Env = append(os.Environ(), "MQTT_BROKER=", "FIELDS_URL=")
			output, err := cmd.CombinedOutput()
			if err == nil {
				t.Error("Expected command to fail, but it succeeded")
			}
			if !strings.Contains(string(output), tt.expectInOutput) {
				t.Errorf("Expected output to contain '%s'.\nFull output:\n%s", tt.expectInOutput, output)
			}
		})
	}
}
