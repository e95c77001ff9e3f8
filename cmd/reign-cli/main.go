package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/ReignProtocol/ReignProtocol/connectors"
	"github.com/ReignProtocol/ReignProtocol/observability/logging"
	"github.com/ReignProtocol/ReignProtocol/services/marketd"
	"github.com/ReignProtocol/ReignProtocol/ui/stepper"
	"github.com/ReignProtocol/ReignProtocol/wallet"
)

// openClient builds the connector client from the configuration file. Tests
// replace it with a fake.
var openClient = func(cfgPath string, logger *slog.Logger) (marketd.Connectors, func(), error) {
	cfg, err := marketd.LoadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	rt, err := marketd.NewRuntime(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return rt.Connectors, rt.Close, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfgPath, args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	command, rest := args[0], args[1:]

	if command == "stepper" {
		return emit(stdout, runStepper(rest))
	}
	if command == "help" || command == "-h" || command == "--help" {
		fmt.Fprintln(stdout, usage())
		return 0
	}

	logger := logging.Setup("reign-cli", strings.TrimSpace(os.Getenv("REIGN_ENV")),
		logging.WithWriter(stderr), logging.WithLevel(slog.LevelWarn))
	client, closeFn, err := openClient(cfgPath, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if closeFn != nil {
		defer closeFn()
	}

	var result connectors.Result
	switch command {
	case "opportunities":
		result = runOpportunities(ctx, client, rest)
	case "opportunity":
		if len(rest) != 1 {
			return usageError(stderr, "opportunity <id>")
		}
		op, err := client.OpportunityAt(ctx, rest[0])
		result = resultOf(err, "opportunity", op)
	case "vote":
		if len(rest) != 2 {
			return usageError(stderr, "vote <id> <vote>")
		}
		vote, err := strconv.ParseUint(rest[1], 10, 8)
		if err != nil {
			return usageError(stderr, "vote <id> <vote>: vote must be 0-255")
		}
		hash, err := client.VoteOpportunity(ctx, rest[0], uint8(vote))
		result = resultOf(err, "txHash", hash.Hex())
	case "create":
		if len(rest) != 1 {
			return usageError(stderr, "create <form.yaml>")
		}
		form, err := readForm(rest[0])
		if err != nil {
			result = connectors.Fail(err)
			break
		}
		hash, err := client.CreateOpportunity(ctx, form)
		result = resultOf(err, "txHash", hash.Hex())
	case "balance":
		address := ""
		if len(rest) > 0 {
			address = rest[0]
		}
		balance, err := client.WalletBalance(ctx, address)
		result = resultOf(err, "balance", balance)
	case "connect":
		kind := ""
		if len(rest) > 0 {
			kind = rest[0]
		}
		parsed, err := wallet.ParseKind(kind)
		if err != nil {
			result = connectors.Fail(err)
			break
		}
		addr, err := client.RequestAccount(ctx, parsed)
		result = resultOf(err, "address", addr.Hex())
	case "status":
		result = resultOf(client.IsConnected(ctx), "connected", true)
	case "gas-price":
		price, err := client.GasPrice(ctx)
		result = resultOf(err, "gasPrice", price)
	case "pool-name":
		if len(rest) != 1 {
			return usageError(stderr, "pool-name <address>")
		}
		name, err := client.OpportunityName(ctx, rest[0])
		result = resultOf(err, "name", name)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		fmt.Fprintln(stderr, usage())
		return 1
	}
	return emit(stdout, result)
}

func runOpportunities(ctx context.Context, client marketd.Connectors, args []string) connectors.Result {
	if len(args) != 1 {
		return connectors.Fail(fmt.Errorf("usage: opportunities <%s>", strings.Join(listKinds, "|")))
	}
	var fetch func(context.Context) ([]*connectors.Opportunity, error)
	switch args[0] {
	case "mine":
		fetch = client.OpportunitiesOf
	case "under-review":
		fetch = client.UnderReviewOpportunities
	case "drawdown":
		fetch = client.DrawdownOpportunities
	case "dues":
		fetch = client.OpportunitiesWithDues
	case "active":
		fetch = client.ActiveOpportunities
	case "withdrawable":
		fetch = client.WithdrawableOpportunities
	case "underwriter":
		fetch = client.UnderwriterOpportunities
	default:
		return connectors.Fail(fmt.Errorf("unknown listing %q", args[0]))
	}
	ops, err := fetch(ctx)
	if ops == nil {
		ops = []*connectors.Opportunity{}
	}
	return resultOf(err, "opportunities", ops)
}

var listKinds = []string{"mine", "under-review", "drawdown", "dues", "active", "withdrawable", "underwriter"}

// runStepper renders `stepper <current> <description>...`.
func runStepper(args []string) connectors.Result {
	if len(args) < 2 {
		return connectors.Fail(fmt.Errorf("usage: stepper <current> <step>..."))
	}
	current, err := strconv.Atoi(args[0])
	if err != nil {
		return connectors.Fail(fmt.Errorf("current step must be an integer: %w", err))
	}
	steps := stepper.Build(args[1:], current)
	var line strings.Builder
	if err := stepper.Render(&line, steps); err != nil {
		return connectors.Fail(err)
	}
	return connectors.OK().With("steps", steps).With("rendered", strings.TrimRight(line.String(), "\n"))
}

func readForm(path string) (*connectors.OpportunityForm, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read form: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, connectors.ErrEmptyForm
	}
	var form connectors.OpportunityForm
	if err := yaml.Unmarshal(data, &form); err != nil {
		return nil, fmt.Errorf("decode form: %w", err)
	}
	return &form, nil
}

func resultOf(err error, key string, value any) connectors.Result {
	if err != nil {
		return connectors.Fail(err)
	}
	return connectors.OK().With(key, value)
}

func emit(stdout io.Writer, result connectors.Result) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return 1
	}
	if !result.Success() {
		return 1
	}
	return 0
}

func usageError(stderr io.Writer, msg string) int {
	fmt.Fprintf(stderr, "Usage: reign-cli %s\n", msg)
	return 1
}

func applyGlobalFlags(args []string) (string, []string, error) {
	cfgPath := strings.TrimSpace(os.Getenv("REIGN_CONFIG"))
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("missing value for --config")
			}
			cfgPath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			cfgPath = strings.TrimPrefix(arg, "--config=")
			continue
		}
		out = append(out, arg)
	}
	return cfgPath, out, nil
}

func usage() string {
	return `Usage: reign-cli [--config path] <command> [args]

Commands:
  stepper <current> <step>...   render the loan application stepper
  opportunities <kind>          list opportunities (` + strings.Join(listKinds, "|") + `)
  opportunity <id>              show one opportunity
  vote <id> <vote>              vote on an opportunity as underwriter
  create <form.yaml>            create an opportunity from a loan form
  balance [address]             USDC balance of the wallet or address
  connect [keystore|external]   request wallet access
  status                        check the wallet connection
  gas-price                     current gas price
  pool-name <address>           name of an opportunity pool`
}
