// relayctl is a small operator CLI for the relay REST API.
// Usage: relayctl [-addr http://localhost:8080] [-key API_KEY] <command> [args]
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

var (
	addr   = flag.String("addr", envOr("RELAY_ADDR", "http://localhost:8080"), "relay base URL")
	apiKey = flag.String("key", os.Getenv("RELAY_API_KEY"), "API key")
	prefix = flag.String("prefix", envOr("RELAY_API_PREFIX", "/api/v1"), "API prefix")
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: relayctl [flags] <command> [args]

Commands:
  health                                 gateway liveness
  services                               list registered services
  register <name> <host> <port>          register a service instance
  deregister <id>                        remove a service instance
  discover <name>                        list healthy instances of a service
  events                                 registry event feed
  agents                                 list agents
  agent-register <name> [cap,cap...]     register an agent
  send <recipient> <content>             send a message
  broadcast <content>                    broadcast to all online agents
  poll <agent-id>                        fetch pending messages
  ack <message-id> <agent-id>            acknowledge a message
  stats                                  aggregated counters
  breakers                               circuit breaker states
  breaker <name> <force_open|force_close|reset>
  keys                                   list API keys
  key-create <owner>                     mint an API key

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "health":
		err = get("/health")
	case "services":
		err = get("/services")
	case "register":
		err = cmdRegister(rest)
	case "deregister":
		err = withArg(rest, func(id string) error { return do(http.MethodDelete, "/services/"+id, nil) })
	case "discover":
		err = withArg(rest, func(name string) error { return get("/services/discover/" + name) })
	case "events":
		err = get("/services/events")
	case "agents":
		err = get("/agents")
	case "agent-register":
		err = cmdAgentRegister(rest)
	case "send":
		err = cmdSend(rest)
	case "broadcast":
		err = cmdBroadcast(rest)
	case "poll":
		err = withArg(rest, func(id string) error { return get("/messages/" + id) })
	case "ack":
		err = cmdAck(rest)
	case "stats":
		err = get("/stats")
	case "breakers":
		err = get("/breakers")
	case "breaker":
		err = cmdBreaker(rest)
	case "keys":
		err = get("/keys")
	case "key-create":
		err = withArg(rest, func(owner string) error {
			return do(http.MethodPost, "/keys", map[string]any{"owner": owner})
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func withArg(args []string, fn func(string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one argument")
	}
	return fn(args[0])
}

func cmdRegister(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: register <name> <host> <port>")
	}
	var port int
	if _, err := fmt.Sscanf(args[2], "%d", &port); err != nil {
		return fmt.Errorf("invalid port %q", args[2])
	}
	return do(http.MethodPost, "/services/register", map[string]any{
		"name": args[0],
		"host": args[1],
		"port": port,
	})
}

func cmdAgentRegister(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: agent-register <name> [capability,capability...]")
	}
	body := map[string]any{"name": args[0]}
	if len(args) == 2 {
		body["capabilities"] = strings.Split(args[1], ",")
	}
	return do(http.MethodPost, "/agents/register", body)
}

func cmdSend(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: send <recipient> <content>")
	}
	return do(http.MethodPost, "/messages", map[string]any{
		"recipient": args[0],
		"content":   args[1],
	})
}

func cmdBroadcast(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: broadcast <content>")
	}
	return do(http.MethodPost, "/broadcast", map[string]any{"content": args[0]})
}

func cmdAck(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: ack <message-id> <agent-id>")
	}
	return do(http.MethodPost, "/messages/"+args[0]+"/ack?agent_id="+args[1], nil)
}

func cmdBreaker(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: breaker <name> <force_open|force_close|reset>")
	}
	return do(http.MethodPost, "/breakers/"+args[0]+"/"+args[1], nil)
}

func get(path string) error { return do(http.MethodGet, path, nil) }

func do(method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, *addr+*prefix+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if *apiKey != "" {
		req.Header.Set("X-API-Key", *apiKey)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}
