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

	"propertyescrow/cmd/internal/passphrase"
	"propertyescrow/config"
	"propertyescrow/crypto"
	"propertyescrow/rpc"
)

const (
	keystorePassEnv = "ESCROW_KEYSTORE_PASS"
	jwtSecretEnv    = "ESCROW_JWT_SECRET"
	rpcTokenEnv     = "ESCROW_RPC_TOKEN"
)

var (
	rpcEndpoint = defaultRPCEndpoint()
	rpcCall     = callRPC
	tokenNow    = time.Now
	passSource  = func() (string, error) {
		return passphrase.NewSource(keystorePassEnv, "").Get()
	}
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

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
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "call":
		return runCall(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	out := fs.String("out", "", "keystore file to write")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*out) == "" {
		return printError(stderr, "--out is required")
	}
	if _, err := os.Stat(*out); err == nil {
		return printError(stderr, fmt.Sprintf("%s already exists", *out))
	}
	pass, err := passSource()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	keystore := fs.String("keystore", "", "keystore file")
	noPass := fs.Bool("no-passphrase", false, "keystore was written with an empty passphrase")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := loadKey(*keystore, *noPass)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	subject := fs.String("subject", "", "caller bech32 address")
	keystore := fs.String("keystore", "", "derive the caller from this keystore instead of --subject")
	role := fs.String("role", "", "derive the caller from a node role keystore (seller, inspector, lender)")
	configPath := fs.String("config", "", "node config used with --role")
	noPass := fs.Bool("no-passphrase", false, "keystore was written with an empty passphrase")
	secret := fs.String("secret", "", "JWT secret (defaults to $"+jwtSecretEnv+")")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	caller := strings.TrimSpace(*subject)
	var cfgSecret string
	if *role != "" {
		cfg, err := loadNodeConfig(*configPath)
		if err != nil {
			return printError(stderr, err.Error())
		}
		pass := ""
		if !*noPass {
			if pass, err = passSource(); err != nil {
				return printError(stderr, err.Error())
			}
		}
		key, err := cfg.LoadRoleKey(*role, pass)
		if err != nil {
			return printError(stderr, err.Error())
		}
		caller = key.PubKey().Address().String()
		cfgSecret = cfg.JWTSecret
	} else if *keystore != "" {
		key, err := loadKey(*keystore, *noPass)
		if err != nil {
			return printError(stderr, err.Error())
		}
		caller = key.PubKey().Address().String()
	}
	if caller == "" {
		return printError(stderr, "--subject, --keystore or --role is required")
	}
	jwtSecret := strings.TrimSpace(*secret)
	if jwtSecret == "" {
		jwtSecret = strings.TrimSpace(os.Getenv(jwtSecretEnv))
	}
	if jwtSecret == "" {
		jwtSecret = cfgSecret
	}
	if jwtSecret == "" {
		return printError(stderr, "--secret or "+jwtSecretEnv+" is required")
	}
	token, err := rpc.SignToken(jwtSecret, caller, *ttl, tokenNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}

// runCall issues a raw JSON-RPC call. Each positional argument after the
// method is one JSON encoded parameter.
func runCall(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		return printError(stderr, "method is required")
	}
	method := args[0]
	params := make([]json.RawMessage, 0, len(args)-1)
	for _, raw := range args[1:] {
		if !json.Valid([]byte(raw)) {
			return printError(stderr, fmt.Sprintf("parameter %q is not valid JSON", raw))
		}
		params = append(params, json.RawMessage(raw))
	}
	result, rpcErr, err := rpcCall(method, params, strings.TrimSpace(os.Getenv(rpcTokenEnv)))
	if err != nil {
		fmt.Fprintf(stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		fmt.Fprintf(stderr, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		if len(rpcErr.Data) > 0 {
			fmt.Fprintf(stderr, "%s\n", rpcErr.Data)
		}
		return 1
	}
	writeResult(stdout, result)
	return 0
}

func callRPC(method string, params []json.RawMessage, token string) (json.RawMessage, *rpcError, error) {
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

func loadKey(path string, noPassphrase bool) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("--keystore is required")
	}
	pass := ""
	if !noPassphrase {
		var err error
		pass, err = passSource()
		if err != nil {
			return nil, err
		}
	}
	return crypto.LoadFromKeystore(path, pass)
}

// loadNodeConfig reads an existing node config. Unlike config.Load it never
// generates a default.
func loadNodeConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("--config is required with --role")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return config.Load(path)
}

func writeResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Fprintln(w, string(result))
		return
	}
	fmt.Fprintln(w, pretty.String())
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage())
	}
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli [--rpc URL] <command> [flags]

Commands:
  keygen   Generate a key and write it to an encrypted keystore
  address  Print the bech32 address held by a keystore
  token    Sign a bearer token naming the caller
  call     Issue a JSON-RPC call: call <method> ['<json param>' ...]

Environment:
  ESCROW_KEYSTORE_PASS  keystore passphrase (prompted when unset)
  ESCROW_JWT_SECRET     secret used by "token"
  ESCROW_RPC_TOKEN      bearer token sent by "call"
`)
}
