// Command vaultwatch operates dead man's switch vaults: scanning their
// status, watching deadlines, hunting release bounties, and sealing or
// unlocking the encrypted content they point at.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	vaultwatch "github.com/keeperhq/vaultwatch"
	"github.com/keeperhq/vaultwatch/ledger"
	"github.com/keeperhq/vaultwatch/telemetry"
)

// Globals are flags shared by every command.
type Globals struct {
	RPCURL    string `name:"rpc-url" help:"Ledger RPC endpoint." env:"VAULTWATCH_RPC_URL" default:"https://api.mainnet-beta.solana.com"`
	Program   string `help:"Vault program address." env:"VAULTWATCH_PROGRAM"`
	Gateway   string `help:"Content gateway base URL for reads." env:"VAULTWATCH_GATEWAY" default:"https://ipfs.io"`
	NodeAPI   string `name:"node-api" help:"Content node API base URL for uploads." env:"VAULTWATCH_NODE_API"`
	DataDir   string `name:"data-dir" help:"Directory for local state databases." env:"VAULTWATCH_DATA_DIR" default:".vaultwatch"`
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`
}

// program parses the configured program address, required by the ledger
// commands but not by seal.
func (g *Globals) program() (vaultwatch.Address, error) {
	if g.Program == "" {
		return vaultwatch.Address{}, fmt.Errorf("--program is required (or set VAULTWATCH_PROGRAM)")
	}
	addr, err := vaultwatch.ParseAddress(g.Program)
	if err != nil {
		return vaultwatch.Address{}, fmt.Errorf("invalid program address: %w", err)
	}
	return addr, nil
}

func (g *Globals) rpcClient(logger *slog.Logger, signer ledger.Signer) *ledger.RPCClient {
	httpClient := &http.Client{
		Transport: telemetry.NewInstrumentedTransport(nil, "rpc"),
	}
	opts := []ledger.RPCOption{
		ledger.WithHTTPClient(httpClient),
		ledger.WithLogger(logger),
	}
	if signer != nil {
		opts = append(opts, ledger.WithSigner(signer))
	}
	return ledger.NewRPCClient(g.RPCURL, opts...)
}

// AppContext is passed to every command's Run method.
type AppContext struct {
	Context context.Context
	Globals *Globals
	Logger  *slog.Logger
}

type CLI struct {
	Globals

	Scan   ScanCmd   `cmd:"" help:"List vaults and their status."`
	Watch  WatchCmd  `cmd:"" help:"Monitor vaults and notify as deadlines approach."`
	Hunt   HuntCmd   `cmd:"" help:"Run the bounty release agent."`
	Unlock UnlockCmd `cmd:"" help:"Fetch and decrypt a vault's content."`
	Seal   SealCmd   `cmd:"" help:"Encrypt a file for storage in a new vault."`
}

func main() {
	var cli CLI
	ktx := kong.Parse(&cli,
		kong.Name("vaultwatch"),
		kong.Description("Dead man's switch vault toolkit."),
		kong.UsageOnError(),
	)

	logger, err := newLogger(cli.Globals)
	ktx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = ktx.Run(&AppContext{
		Context: ctx,
		Globals: &cli.Globals,
		Logger:  logger,
	})
	ktx.FatalIfErrorf(err)
}

func newLogger(g Globals) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", g.LogLevel)
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", g.LogFormat)
	}
	return slog.New(handler), nil
}
