package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/orneryd/nornicmem/pkg/config"
	"github.com/orneryd/nornicmem/pkg/ipc"
)

const defaultHealthcheckTimeout = 3 * time.Second

// runHealthcheck dials a running daemon's Unix socket, issues a single
// health.status request, and prints the result. It exits non-zero (via the
// returned error) on a dial failure, a timeout, or a JSON-RPC error
// response, so it doubles as a container/systemd liveness probe.
func runHealthcheck(cmd *cobra.Command, args []string) error {
	socketPath, err := cmd.Flags().GetString("socket")
	if err != nil {
		return err
	}
	if socketPath == "" {
		socketPath = config.LoadFromEnv().IPC.SocketPath
	}

	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultHealthcheckTimeout
	}

	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("setting deadline: %w", err)
	}

	req := ipc.Request{
		JSONRPC: "2.0",
		Method:  "health.status",
		ID:      json.RawMessage(fmt.Sprintf("%q", uuid.NewString())),
	}
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), ipc.MaxMessageBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		return fmt.Errorf("connection closed before a response arrived")
	}

	var resp ipc.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("health.status: [%d] %s", resp.Error.Code, resp.Error.Message)
	}

	pretty, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting result: %w", err)
	}
	fmt.Println(string(pretty))
	return nil
}
