// cmd/warden-agent/main.go
//
// warden-agent is a command-line client for the Warden control plane. It
// signs requests with the agent's shared secret and submits changes and
// tasks, or polls their status.
//
// Usage:
//
//	warden-agent change --action flag_change --payload '{"key":"beta.search","value":true}'
//	warden-agent task --type email_send --payload '{"to":"ops@example.com"}' [--priority 8] [--at 1735689600]
//	warden-agent get-change --id <change-id>
//	warden-agent get-task --id <task-id>
//	warden-agent status
//
// The agent identity comes from --agent/--secret or the WARDEN_AGENT_ID and
// WARDEN_AGENT_SECRET environment variables.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cloudflair/warden/internal/agent"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "change":
		cmdChange(os.Args[2:])
	case "task":
		cmdTask(os.Args[2:])
	case "get-change":
		cmdGetChange(os.Args[2:])
	case "get-task":
		cmdGetTask(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: warden-agent <command> [flags]

Commands:
  change      Submit a change for risk-gated approval
  task        Enqueue an asynchronous task
  get-change  Fetch one of this agent's changes
  get-task    Fetch one of this agent's tasks
  status      Check server health

Run 'warden-agent <command> --help' for details on each command.
`)
}

// clientFlags are the connection flags shared by every subcommand.
type clientFlags struct {
	server *string
	agent  *string
	secret *string
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		server: fs.String("server", "http://localhost:8080", "Warden server base URL"),
		agent:  fs.String("agent", os.Getenv("WARDEN_AGENT_ID"), "agent id (or WARDEN_AGENT_ID)"),
		secret: fs.String("secret", os.Getenv("WARDEN_AGENT_SECRET"), "agent secret (or WARDEN_AGENT_SECRET)"),
	}
}

func (c clientFlags) require() {
	if *c.agent == "" || *c.secret == "" {
		log.Fatal("agent id and secret are required (--agent/--secret or WARDEN_AGENT_ID/WARDEN_AGENT_SECRET)")
	}
}

// call signs and sends a request, printing the JSON response to stdout.
// Non-2xx responses exit nonzero after printing the body.
func (c clientFlags) call(method, path string, body []byte) {
	req, err := http.NewRequest(method, *c.server+path, bytes.NewReader(body))
	if err != nil {
		log.Fatalf("Build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	agent.SignRequest(req, *c.agent, *c.secret, body)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	fmt.Println(string(prettyJSON(respBody)))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		os.Exit(1)
	}
}

func prettyJSON(data []byte) []byte {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return data
	}
	return buf.Bytes()
}

func cmdChange(args []string) {
	fs := flag.NewFlagSet("change", flag.ExitOnError)
	c := addClientFlags(fs)
	action := fs.String("action", "", "change action: content_proposal, flag_change, generic")
	payload := fs.String("payload", "{}", "JSON payload")
	fs.Parse(args)
	c.require()

	if *action == "" {
		fmt.Fprintf(os.Stderr, "Error: --action is required\n")
		fs.Usage()
		os.Exit(1)
	}
	if !json.Valid([]byte(*payload)) {
		log.Fatal("--payload must be valid JSON")
	}

	body, err := json.Marshal(map[string]any{
		"action":  *action,
		"payload": json.RawMessage(*payload),
	})
	if err != nil {
		log.Fatalf("Marshal request: %v", err)
	}
	c.call(http.MethodPost, "/api/changes", body)
}

func cmdTask(args []string) {
	fs := flag.NewFlagSet("task", flag.ExitOnError)
	c := addClientFlags(fs)
	taskType := fs.String("type", "", "task type (e.g. noop, email_send)")
	payload := fs.String("payload", "{}", "JSON payload")
	priority := fs.Int("priority", -1, "advisory priority 0-10 (default 5)")
	at := fs.Int64("at", 0, "unix timestamp to defer execution until")
	fs.Parse(args)
	c.require()

	if *taskType == "" {
		fmt.Fprintf(os.Stderr, "Error: --type is required\n")
		fs.Usage()
		os.Exit(1)
	}
	if !json.Valid([]byte(*payload)) {
		log.Fatal("--payload must be valid JSON")
	}

	req := map[string]any{
		"type":    *taskType,
		"payload": json.RawMessage(*payload),
	}
	if *priority >= 0 {
		req["priority"] = *priority
	}
	if *at > 0 {
		req["scheduled_for"] = *at
	}
	body, err := json.Marshal(req)
	if err != nil {
		log.Fatalf("Marshal request: %v", err)
	}
	c.call(http.MethodPost, "/api/tasks", body)
}

func cmdGetChange(args []string) {
	fs := flag.NewFlagSet("get-change", flag.ExitOnError)
	c := addClientFlags(fs)
	id := fs.String("id", "", "change id")
	fs.Parse(args)
	c.require()

	if *id == "" {
		fmt.Fprintf(os.Stderr, "Error: --id is required\n")
		fs.Usage()
		os.Exit(1)
	}
	c.call(http.MethodGet, "/api/changes/"+*id, nil)
}

func cmdGetTask(args []string) {
	fs := flag.NewFlagSet("get-task", flag.ExitOnError)
	c := addClientFlags(fs)
	id := fs.String("id", "", "task id")
	fs.Parse(args)
	c.require()

	if *id == "" {
		fmt.Fprintf(os.Stderr, "Error: --id is required\n")
		fs.Usage()
		os.Exit(1)
	}
	c.call(http.MethodGet, "/api/tasks/"+*id, nil)
}

// cmdStatus hits the unauthenticated health endpoint.
func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "Warden server base URL")
	fs.Parse(args)

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(*server + "/api/health")
	if err != nil {
		fmt.Printf("server unreachable: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("server %s: %s %s\n", *server, strconv.Itoa(resp.StatusCode), bytes.TrimSpace(body))
}
