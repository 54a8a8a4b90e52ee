package logs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vpnconsole-go/internal/types"
)

// FailureLogName is the file, under the data directory, that records failed connection attempts
const FailureLogName = "connection_failures.log"

// LogConnectionFailure appends a failed connect/disconnect attempt to the failure log.
// Format: timestamp [ERROR] Server "id" (name) | Kind: k | Error: msg | Hint: h
func LogConnectionFailure(dataDir, serverID, serverName string, err error) error {
	if dataDir == "" {
		return fmt.Errorf("data directory not set")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	f, openErr := os.OpenFile(filepath.Join(dataDir, FailureLogName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if openErr != nil {
		return fmt.Errorf("failed to open %s: %w", FailureLogName, openErr)
	}
	defer f.Close()

	kind := types.KindOf(err)
	if kind == "" {
		kind = types.KindConnectionFailed
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("%s\t[ERROR]\tServer %q (%s) | Kind: %s | Error: %s | Hint: %s\n",
		timestamp, serverID, serverName, kind, oneLine(err.Error()), failureHint(kind))

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to write to %s: %w", FailureLogName, err)
	}
	return nil
}

// failureHint suggests the next step for the user for a given failure kind
func failureHint(kind types.ErrorKind) string {
	switch kind {
	case types.KindUnauthenticated:
		return "session expired, run: vpnconsole login"
	case types.KindForbidden:
		return "account is not allowed to perform this action"
	case types.KindAlreadyConnectedElsewhere:
		return "disconnect the other session first"
	case types.KindServerUnavailable:
		return "pick an online server: vpnconsole servers --status online"
	case types.KindOperationInProgress:
		return "wait for the pending connect/disconnect to finish"
	case types.KindUpstreamUnavailable:
		return "check api_base_url and network connectivity"
	default:
		return "retry, or check the API log for details"
	}
}

// ReadConnectionFailures returns the last n entries of the failure log, oldest first.
// n <= 0 returns every entry.
func ReadConnectionFailures(dataDir string, n int) ([]string, error) {
	f, err := os.Open(filepath.Join(dataDir, FailureLogName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", FailureLogName, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", FailureLogName, err)
	}

	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// RemoveServerFromFailureLog drops every entry for serverID, e.g. after a successful connect
func RemoveServerFromFailureLog(dataDir, serverID string) error {
	logPath := filepath.Join(dataDir, FailureLogName)

	lines, err := ReadConnectionFailures(dataDir, 0)
	if err != nil {
		return err
	}
	if lines == nil {
		return nil
	}

	needle := fmt.Sprintf("Server %q ", serverID)
	var kept strings.Builder
	for _, line := range lines {
		if !strings.Contains(line, needle) {
			kept.WriteString(line)
			kept.WriteByte('\n')
		}
	}

	if err := os.WriteFile(logPath, []byte(kept.String()), 0644); err != nil {
		return fmt.Errorf("failed to write filtered log: %w", err)
	}
	return nil
}

// ClearFailureLog removes the failure log
func ClearFailureLog(dataDir string) error {
	err := os.Remove(filepath.Join(dataDir, FailureLogName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear %s: %w", FailureLogName, err)
	}
	return nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
