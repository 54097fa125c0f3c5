package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

var proxyURL = defaultProxyURL() // overridden via PROXY_URL or --url
var proxyToken = os.Getenv("PROXY_TOKEN")
var adminToken = os.Getenv("PROXY_ADMIN_TOKEN")

var httpClient = &http.Client{Timeout: 30 * time.Second}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "deposit", "deposit-and-stake", "stake", "unstake", "withdraw":
		return runAmountCommand(args[0], args[1:], stdout, stderr)
	case "stake-all", "unstake-all", "withdraw-all", "ping":
		return runBareCommand(args[0], args[1:], stdout, stderr)
	case "account":
		return runAccountCommand(args[1:], stdout, stderr)
	case "totals":
		return runGet("/v1/totals", proxyToken, stdout, stderr)
	case "operation":
		return runOperationCommand(args[1:], stdout, stderr)
	case "token":
		return runTokenCommand(args[1:], stdout, stderr)
	case "admin":
		return runAdminCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func defaultProxyURL() string {
	if v := strings.TrimSpace(os.Getenv("PROXY_URL")); v != "" {
		return v
	}
	return "http://localhost:7090"
}

// applyGlobalFlags strips --url and --token from args.
func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		var target *string
		name := arg
		value := ""
		if idx := strings.Index(arg, "="); idx > 0 {
			name, value = arg[:idx], arg[idx+1:]
		}
		switch name {
		case "--url":
			target = &proxyURL
		case "--token":
			target = &proxyToken
		case "--admin-token":
			target = &adminToken
		default:
			out = append(out, arg)
			continue
		}
		if value == "" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("flag %s requires a value", name)
			}
			i++
			value = args[i]
		}
		*target = strings.TrimSpace(value)
	}
	return out, nil
}

func usage() string {
	return strings.Join([]string{
		"Usage: proxy-cli [--url URL] [--token JWT] <command> [args]",
		"",
		"Commands:",
		"  deposit <amount>             credit attached value to your unstaked balance",
		"  deposit-and-stake <amount>   attach value and stake it in one call",
		"  stake <amount> | stake-all   stake from your unstaked balance",
		"  unstake <amount> | unstake-all",
		"  withdraw <amount> | withdraw-all",
		"  ping                         refresh the cached share price and fee",
		"  account <id>                 show balances for an account",
		"  totals                       show proxy-wide totals",
		"  operation <call-id>          show the journal entry for a call",
		"  token <account> [--secret S] [--ttl 1h]",
		"  admin pause|resume|status|release <account>|fund <account> <amount>",
	}, "\n")
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func doRequest(method, path, token string, body any) (json.RawMessage, error) {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(encoded)
	}
	endpoint := strings.TrimRight(proxyURL, "/") + path
	req, err := http.NewRequest(method, endpoint, payload)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var decoded struct {
			Error string `json:"error"`
		}
		message := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &decoded) == nil && decoded.Error != "" {
			message = decoded.Error
		}
		return nil, &apiError{Status: resp.StatusCode, Message: message}
	}
	return data, nil
}

func writeResult(w io.Writer, result json.RawMessage) {
	if len(bytes.TrimSpace(result)) == 0 {
		fmt.Fprintln(w, "ok")
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		_, _ = w.Write(result)
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintln(w, pretty.String())
}

func handleError(w io.Writer, err error) int {
	fmt.Fprintf(w, "Error: %v\n", err)
	return 1
}
