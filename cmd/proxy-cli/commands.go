package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"stakeproxy/native/stakeproxy"
	"stakeproxy/services/proxyd"
)

func parseAmountArg(raw string) (string, error) {
	amount, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid amount %q", raw)
	}
	if amount.IsZero() {
		return "", fmt.Errorf("amount must be positive")
	}
	return amount.Dec(), nil
}

func runAmountCommand(name string, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintf(stderr, "Usage: proxy-cli %s <amount>\n", name)
		return 1
	}
	amount, err := parseAmountArg(args[0])
	if err != nil {
		return handleError(stderr, err)
	}
	result, err := doRequest(http.MethodPost, "/v1/"+name, proxyToken, map[string]string{"amount": amount})
	if err != nil {
		return handleError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runBareCommand(name string, args []string, stdout, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintf(stderr, "Usage: proxy-cli %s\n", name)
		return 1
	}
	result, err := doRequest(http.MethodPost, "/v1/"+name, proxyToken, nil)
	if err != nil {
		return handleError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runAccountCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: proxy-cli account <id>")
		return 1
	}
	id, err := stakeproxy.NormalizeAccountID(args[0])
	if err != nil {
		return handleError(stderr, err)
	}
	return runGet("/v1/accounts/"+url.PathEscape(id), proxyToken, stdout, stderr)
}

func runOperationCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(stderr, "Usage: proxy-cli operation <call-id>")
		return 1
	}
	return runGet("/v1/operations/"+url.PathEscape(strings.TrimSpace(args[0])), proxyToken, stdout, stderr)
}

func runGet(path, token string, stdout, stderr io.Writer) int {
	result, err := doRequest(http.MethodGet, path, token, nil)
	if err != nil {
		return handleError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

// runTokenCommand signs a caller token locally with the shared secret. It is
// meant for development setups where the operator holds the secret.
func runTokenCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	secret := fs.String("secret", os.Getenv("PROXYD_JWT_SECRET"), "HS256 secret shared with proxyd")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: proxy-cli token <account> [--secret S] [--ttl 1h]")
		return 1
	}
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	account, err := stakeproxy.NormalizeAccountID(args[0])
	if err != nil {
		return handleError(stderr, err)
	}
	if strings.TrimSpace(*secret) == "" {
		return handleError(stderr, fmt.Errorf("secret is required (--secret or PROXYD_JWT_SECRET)"))
	}
	token, err := proxyd.IssueToken(*secret, account, *ttl)
	if err != nil {
		return handleError(stderr, err)
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runAdminCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: proxy-cli admin pause|resume|status|in-doubt|release <account>|fund <account> <amount>|resolve <call-id> [result]")
		return 1
	}
	var (
		result []byte
		err    error
	)
	switch args[0] {
	case "pause", "resume":
		result, err = doRequest(http.MethodPost, "/admin/"+args[0], adminToken, nil)
	case "status", "in-doubt":
		result, err = doRequest(http.MethodGet, "/admin/"+args[0], adminToken, nil)
	case "release":
		if len(args) != 2 {
			fmt.Fprintln(stderr, "Usage: proxy-cli admin release <account>")
			return 1
		}
		result, err = doRequest(http.MethodPost, "/admin/release", adminToken, map[string]string{"account": args[1]})
	case "fund":
		if len(args) != 3 {
			fmt.Fprintln(stderr, "Usage: proxy-cli admin fund <account> <amount>")
			return 1
		}
		amount, parseErr := parseAmountArg(args[2])
		if parseErr != nil {
			return handleError(stderr, parseErr)
		}
		result, err = doRequest(http.MethodPost, "/admin/fund", adminToken, map[string]string{"account": args[1], "amount": amount})
	case "resolve":
		if len(args) < 2 || len(args) > 3 {
			fmt.Fprintln(stderr, "Usage: proxy-cli admin resolve <call-id> [result]")
			return 1
		}
		body := map[string]any{"call_id": strings.TrimSpace(args[1])}
		if len(args) == 3 {
			// The pool's raw result for the call; omitting it declares the
			// call was never applied.
			if !json.Valid([]byte(args[2])) {
				return handleError(stderr, fmt.Errorf("result must be JSON, e.g. '\"100\"'"))
			}
			body["result"] = json.RawMessage(args[2])
		}
		result, err = doRequest(http.MethodPost, "/admin/resolve", adminToken, body)
	default:
		fmt.Fprintf(stderr, "Unknown admin command: %s\n", args[0])
		return 1
	}
	if err != nil {
		return handleError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}
