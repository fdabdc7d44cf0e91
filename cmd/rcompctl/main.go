// Command rcompctl is the daemon's admin CLI: a status/cancel/select/
// tail-events command set talking NDJSON over the Unix control socket.
//
// Grounded on cmd/ocx-cli/main.go's manual os.Args subcommand dispatch (no
// cobra — the teacher hand-rolls this itself) with the HTTP client swapped
// for a Unix-socket NDJSON client matching internal/ipc's envelope shapes.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	socketPath := os.Getenv("RCOMP_SOCKET_PATH")
	if socketPath == "" {
		socketPath = "/var/run/rcompd.sock"
	}

	switch os.Args[1] {
	case "status":
		cmdStatus(socketPath)
	case "select":
		cmdSelect(socketPath)
	case "cancel":
		cmdCancel(socketPath)
	case "tail-events":
		cmdTailEvents(socketPath)
	case "version":
		fmt.Printf("rcompctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`rcompd admin CLI v` + version + `

Usage: rcompctl <command> [flags]

Commands:
  status                List workers, active builds, and recent history
  select                Ask the daemon to select a worker for a project
  cancel                Cancel an active build
  tail-events           Stream lifecycle events until interrupted
  version               Print version
  help                  Show this help

Environment:
  RCOMP_SOCKET_PATH   Unix control socket path (default: /var/run/rcompd.sock)

Examples:
  rcompctl status
  rcompctl select --project myapp
  rcompctl cancel --build-id 42 --reason client_request
  rcompctl tail-events`)
}

// ----------------------------------------------------------------
// status
// ----------------------------------------------------------------

func cmdStatus(socketPath string) {
	resp, err := request(socketPath, "status", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status request failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(resp)
}

// ----------------------------------------------------------------
// select
// ----------------------------------------------------------------

func cmdSelect(socketPath string) {
	var project string
	var preferred []string

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project":
			i++
			if i < len(args) {
				project = args[i]
			}
		case "--prefer":
			i++
			if i < len(args) {
				preferred = append(preferred, args[i])
			}
		}
	}
	if project == "" {
		fmt.Fprintln(os.Stderr, "Usage: rcompctl select --project <id> [--prefer <worker-id>]...")
		os.Exit(1)
	}

	params := map[string]interface{}{
		"project":           project,
		"preferred_workers":  preferred,
	}
	resp, err := request(socketPath, "select_worker", params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "select request failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(resp)
}

// ----------------------------------------------------------------
// cancel
// ----------------------------------------------------------------

func cmdCancel(socketPath string) {
	var buildID uint64
	reason := "client_request"
	force := false

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--build-id":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &buildID)
			}
		case "--reason":
			i++
			if i < len(args) {
				reason = args[i]
			}
		case "--force":
			force = true
		}
	}
	if buildID == 0 {
		fmt.Fprintln(os.Stderr, "Usage: rcompctl cancel --build-id <id> [--reason <reason>] [--force]")
		os.Exit(1)
	}

	params := map[string]interface{}{
		"build_id": buildID,
		"reason":   reason,
		"force":    force,
	}
	resp, err := request(socketPath, "cancel_build", params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cancel request failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(resp)
}

// ----------------------------------------------------------------
// tail-events
// ----------------------------------------------------------------

func cmdTailEvents(socketPath string) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connecting to %s: %v\n", socketPath, err)
		os.Exit(1)
	}
	defer conn.Close()

	env := envelope{APIVersion: "1", RequestID: uuid.NewString(), Op: "subscribe_events"}
	raw, _ := json.Marshal(env)
	if _, err := conn.Write(append(raw, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "subscribing: %v\n", err)
		os.Exit(1)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		fmt.Println(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "event stream closed: %v\n", err)
		os.Exit(1)
	}
}

// ----------------------------------------------------------------
// protocol helpers
// ----------------------------------------------------------------

type envelope struct {
	APIVersion string      `json:"api_version"`
	RequestID  string      `json:"request_id"`
	Op         string      `json:"op"`
	Params     interface{} `json:"params,omitempty"`
}

type errorPayload struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Remediation []string `json:"remediation"`
	Category    string   `json:"category"`
}

type response struct {
	APIVersion string          `json:"api_version"`
	RequestID  string          `json:"request_id"`
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      *errorPayload   `json:"error,omitempty"`
}

func request(socketPath, op string, params interface{}) (response, error) {
	var resp response

	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return resp, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	env := envelope{APIVersion: "1", RequestID: uuid.NewString(), Op: op, Params: params}
	raw, err := json.Marshal(env)
	if err != nil {
		return resp, fmt.Errorf("encoding request: %w", err)
	}
	if _, err := conn.Write(append(raw, '\n')); err != nil {
		return resp, fmt.Errorf("writing request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return resp, fmt.Errorf("reading response: %w", err)
		}
		return resp, fmt.Errorf("daemon closed connection without a response")
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return resp, fmt.Errorf("decoding response: %w", err)
	}
	if !resp.Success && resp.Error != nil {
		return resp, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp, nil
}

func printJSON(resp response) {
	if len(resp.Data) == 0 {
		fmt.Println("{}")
		return
	}
	var pretty map[string]interface{}
	if err := json.Unmarshal(resp.Data, &pretty); err != nil {
		fmt.Println(string(resp.Data))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}
