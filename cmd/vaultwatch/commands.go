package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	vaultwatch "github.com/keeperhq/vaultwatch"
	"github.com/keeperhq/vaultwatch/account"
	"github.com/keeperhq/vaultwatch/content"
	"github.com/keeperhq/vaultwatch/envelope"
	"github.com/keeperhq/vaultwatch/hunter"
	"github.com/keeperhq/vaultwatch/ledger"
	"github.com/keeperhq/vaultwatch/monitor"
	"github.com/keeperhq/vaultwatch/scanner"
	"github.com/keeperhq/vaultwatch/telemetry"
)

// ScanCmd lists vaults and their computed status.
type ScanCmd struct {
	Owner       string `help:"Only vaults created by this address."`
	ExpiredOnly bool   `help:"Only vaults past deadline and not yet released."`
	MinBounty   uint64 `help:"Only vaults with at least this bounty, in lamports."`
	WithinDays  int    `help:"Only active vaults expiring within this many days."`
	JSON        bool   `help:"Emit JSON instead of a table."`
}

func (c *ScanCmd) Run(app *AppContext) error {
	program, err := app.Globals.program()
	if err != nil {
		return err
	}

	filter := scanner.Filter{
		ExpiredOnly: c.ExpiredOnly,
		MinBounty:   c.MinBounty,
		WithinDays:  c.WithinDays,
	}
	if c.Owner != "" {
		owner, err := vaultwatch.ParseAddress(c.Owner)
		if err != nil {
			return fmt.Errorf("invalid owner address: %w", err)
		}
		filter.Owner = &owner
	}

	client := app.Globals.rpcClient(app.Logger, nil)
	s := scanner.New(client, program, scanner.WithLogger(app.Logger))

	result, err := s.Scan(app.Context, filter)
	if err != nil {
		return err
	}

	if c.JSON {
		return printScanJSON(result)
	}

	fmt.Printf("%-12s %-10s %-10s %-22s %-10s %s\n",
		"VAULT", "STATE", "URGENCY", "DEADLINE", "LEFT", "BOUNTY")
	for _, cv := range result.Vaults {
		urgency := "-"
		remaining := "-"
		if cv.Snapshot.State.String() == "active" {
			urgency = cv.Snapshot.Urgency.String()
			remaining = cv.Snapshot.Remaining.Round(time.Minute).String()
		}
		fmt.Printf("%-12s %-10s %-10s %-22s %-10s %d\n",
			cv.Address.Short(),
			cv.Snapshot.State,
			urgency,
			cv.Snapshot.Deadline.Format(time.RFC3339),
			remaining,
			cv.Vault.BountyLamports,
		)
	}
	fmt.Printf("\n%d shown, %d scanned, %d skipped, %d anomalies\n",
		len(result.Vaults), result.Scanned, result.Skipped, result.Anomalies)
	return nil
}

func printScanJSON(result *scanner.Result) error {
	type row struct {
		Address          vaultwatch.Address `json:"address"`
		Owner            vaultwatch.Address `json:"owner"`
		Recipient        vaultwatch.Address `json:"recipient"`
		Name             string             `json:"name,omitempty"`
		State            string             `json:"state"`
		Urgency          string             `json:"urgency,omitempty"`
		Deadline         time.Time          `json:"deadline"`
		RemainingSeconds int64              `json:"remaining_seconds"`
		PercentRemaining float64            `json:"percent_remaining"`
		Bounty           uint64             `json:"bounty"`
	}

	rows := make([]row, 0, len(result.Vaults))
	for _, cv := range result.Vaults {
		r := row{
			Address:          cv.Address,
			Owner:            cv.Vault.Owner,
			Recipient:        cv.Vault.Recipient,
			Name:             cv.Vault.Name,
			State:            cv.Snapshot.State.String(),
			Deadline:         cv.Snapshot.Deadline,
			RemainingSeconds: int64(cv.Snapshot.Remaining.Seconds()),
			PercentRemaining: cv.Snapshot.PercentRemaining,
			Bounty:           cv.Vault.BountyLamports,
		}
		if r.State == "active" {
			r.Urgency = cv.Snapshot.Urgency.String()
		}
		rows = append(rows, r)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

// WatchCmd runs the deadline monitor until interrupted.
type WatchCmd struct {
	Owner       string        `help:"Only vaults created by this address."`
	Interval    time.Duration `help:"How often to scan." default:"5m"`
	Webhook     string        `help:"POST notifications to this URL as JSON."`
	MetricsAddr string        `help:"Serve Prometheus metrics on this address (e.g. :9090)."`
	OTLP        string        `help:"Export metrics to this OTLP gRPC endpoint."`
}

func (c *WatchCmd) Run(app *AppContext) error {
	program, err := app.Globals.program()
	if err != nil {
		return err
	}

	cfg := monitor.Config{
		CheckInterval: c.Interval,
		Logger:        app.Logger,
	}
	if c.Owner != "" {
		owner, err := vaultwatch.ParseAddress(c.Owner)
		if err != nil {
			return fmt.Errorf("invalid owner address: %w", err)
		}
		cfg.Owner = &owner
	}

	shutdown, err := initTelemetry(app.Context, c.MetricsAddr, c.OTLP, app)
	if err != nil {
		return err
	}
	defer shutdown()

	if err := os.MkdirAll(app.Globals.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	store, err := monitor.OpenStore(filepath.Join(app.Globals.DataDir, "monitor.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	notifiers := []monitor.Notifier{monitor.NewLogNotifier(app.Logger)}
	if c.Webhook != "" {
		webhookClient := &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "webhook"),
			Timeout:   10 * time.Second,
		}
		notifiers = append(notifiers, monitor.NewWebhookNotifier(c.Webhook, webhookClient))
	}

	client := app.Globals.rpcClient(app.Logger, nil)
	sc := scanner.New(client, program, scanner.WithLogger(app.Logger))
	m := monitor.New(sc, store, cfg, notifiers...)

	if err := m.Start(app.Context); err != nil {
		return err
	}
	app.Logger.Info("watching vaults", "program", program.Short(), "interval", c.Interval)

	<-app.Context.Done()
	m.Stop()
	return nil
}

// HuntCmd runs the bounty release agent until interrupted.
type HuntCmd struct {
	Keypair     string        `help:"Path to the payer keypair file." required:"" type:"existingfile"`
	MinBounty   uint64        `help:"Skip vaults whose bounty is below this, in lamports." default:"5000"`
	Interval    time.Duration `help:"How often to scan." default:"30s"`
	MetricsAddr string        `help:"Serve Prometheus metrics on this address (e.g. :9090)."`
	OTLP        string        `help:"Export metrics to this OTLP gRPC endpoint."`
}

func (c *HuntCmd) Run(app *AppContext) error {
	program, err := app.Globals.program()
	if err != nil {
		return err
	}

	signer, err := ledger.LoadKeypair(c.Keypair)
	if err != nil {
		return err
	}

	shutdown, err := initTelemetry(app.Context, c.MetricsAddr, c.OTLP, app)
	if err != nil {
		return err
	}
	defer shutdown()

	client := app.Globals.rpcClient(app.Logger, signer)
	h := hunter.New(client, program, hunter.Config{
		Payer:         signer.Address(),
		MinBounty:     c.MinBounty,
		CheckInterval: c.Interval,
		Logger:        app.Logger,
	}, hunter.WithMetrics(telemetry.Meter()))

	if err := h.Start(app.Context); err != nil {
		return err
	}
	app.Logger.Info("hunting expired vaults",
		"program", program.Short(),
		"payer", signer.Address().Short(),
		"min_bounty", c.MinBounty,
	)

	<-app.Context.Done()
	h.Stop()
	return nil
}

// UnlockCmd fetches a vault's envelope and decrypts it.
type UnlockCmd struct {
	Vault    string `arg:"" help:"Vault account address."`
	Password string `help:"Password for password-mode envelopes." env:"VAULTWATCH_PASSWORD"`
	Holder   string `help:"Holder address for wallet-mode envelopes (defaults to the vault recipient)."`
	Out      string `help:"Directory to write decrypted files into." default:"." type:"existingdir"`
}

func (c *UnlockCmd) Run(app *AppContext) error {
	address, err := vaultwatch.ParseAddress(c.Vault)
	if err != nil {
		return fmt.Errorf("invalid vault address: %w", err)
	}

	client := app.Globals.rpcClient(app.Logger, nil)
	acc, err := client.AccountInfo(app.Context, address)
	if err != nil {
		return err
	}

	v, err := account.Decode(acc.Data)
	if err != nil {
		return fmt.Errorf("account %s is not a vault: %w", address.Short(), err)
	}

	holder := c.Holder
	if holder == "" {
		holder = v.Recipient.String()
	}

	store, closeStore, err := contentStore(app)
	if err != nil {
		return err
	}
	defer closeStore()

	app.Logger.Info("fetching envelope", "cid", v.IPFSCid)
	data, err := store.Fetch(app.Context, v.IPFSCid)
	if err != nil {
		return err
	}

	env, err := envelope.Parse(data)
	if err != nil {
		return err
	}

	opened, err := env.Open(c.Password, holder)
	if err != nil {
		if errors.Is(err, envelope.ErrNotAuthorized) {
			return fmt.Errorf("%w: envelope is locked to %s", err, env.WalletKey.RecipientPubkey)
		}
		return err
	}

	items, totalSize, types, err := writeContent(app, opened, c.Out)
	if err != nil {
		return err
	}
	archiveClaim(app, address, v, items, totalSize, types)
	return nil
}

func writeContent(app *AppContext, opened *envelope.Content, dir string) (items int, totalSize int64, types []string, err error) {
	seen := map[string]bool{}
	addType := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}

	switch opened.Kind {
	case envelope.KindBundle:
		for _, item := range opened.Bundle.Items {
			data, decErr := base64.StdEncoding.DecodeString(item.Data)
			if decErr != nil {
				return 0, 0, nil, fmt.Errorf("decoding bundle item %q: %w", item.Name, decErr)
			}
			path := filepath.Join(dir, filepath.Base(item.Name))
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return 0, 0, nil, err
			}
			items++
			totalSize += int64(len(data))
			addType(item.MimeType)
			app.Logger.Info("wrote file", "path", path, "size", len(data))
		}
		return items, totalSize, types, nil
	default:
		name := opened.Metadata.FileName
		if name == "" {
			name = "vault_content"
		}
		path := filepath.Join(dir, filepath.Base(name))
		if err := os.WriteFile(path, opened.Data, 0o600); err != nil {
			return 0, 0, nil, err
		}
		addType(opened.Metadata.FileType)
		app.Logger.Info("wrote file", "path", path, "size", len(opened.Data), "kind", opened.Kind)
		return 1, int64(len(opened.Data)), types, nil
	}
}

// archiveClaim records a successful local unlock in the monitor database.
// Archiving is best effort; a claim that cannot be recorded is still a
// successful unlock.
func archiveClaim(app *AppContext, address vaultwatch.Address, v *account.Vault, items int, totalSize int64, types []string) {
	if err := os.MkdirAll(app.Globals.DataDir, 0o700); err != nil {
		app.Logger.Warn("skipping claim archive", "error", err)
		return
	}
	store, err := monitor.OpenStore(filepath.Join(app.Globals.DataDir, "monitor.db"))
	if err != nil {
		app.Logger.Warn("skipping claim archive", "error", err)
		return
	}
	defer store.Close()

	rec := &monitor.ClaimRecord{
		Address:   address,
		Owner:     v.Owner,
		Recipient: v.Recipient,
		Name:      v.Name,
		Bounty:    v.BountyLamports,
		ClaimedAt: time.Now(),
		Items:     items,
		TotalSize: totalSize,
		FileTypes: types,
	}
	if err := store.Archive(rec); err != nil {
		app.Logger.Warn("recording claim failed", "error", err)
		return
	}
	app.Logger.Info("claim archived", "vault", address.Short(), "items", items, "size", totalSize)
}

// SealCmd encrypts a file into an envelope, optionally uploading it.
type SealCmd struct {
	File      string `arg:"" help:"File to encrypt." type:"existingfile"`
	Password  string `help:"Password mode: wrap the content key with this password." env:"VAULTWATCH_PASSWORD" xor:"mode"`
	Recipient string `help:"Wallet mode: lock the envelope to this recipient address." xor:"mode"`
	Seed      uint64 `help:"Wallet mode: the vault seed the envelope will be bound to."`
	Hint      string `help:"Optional hint stored in clear in the envelope."`
	Upload    bool   `help:"Upload the envelope via the node API and print its content id."`
	Out       string `help:"Write the envelope to this path (default: <file>.vault.json)."`
}

func (c *SealCmd) Run(app *AppContext) error {
	plaintext, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}

	meta := envelope.Metadata{
		FileName: filepath.Base(c.File),
		FileType: mime.TypeByExtension(filepath.Ext(c.File)),
		Hint:     c.Hint,
	}

	var env *envelope.Envelope
	switch {
	case c.Password != "":
		env, err = envelope.SealWithPassword(plaintext, meta, c.Password)
	case c.Recipient != "":
		if _, err := vaultwatch.ParseAddress(c.Recipient); err != nil {
			return fmt.Errorf("invalid recipient address: %w", err)
		}
		env, err = envelope.SealWithWallet(plaintext, meta, c.Recipient, fmt.Sprintf("%d", c.Seed))
	default:
		return fmt.Errorf("either --password or --recipient is required")
	}
	if err != nil {
		return err
	}

	data, err := env.Marshal()
	if err != nil {
		return err
	}

	if c.Upload {
		if app.Globals.NodeAPI == "" {
			return fmt.Errorf("--upload requires --node-api")
		}
		store, closeStore, err := contentStore(app)
		if err != nil {
			return err
		}
		defer closeStore()

		cid, err := store.Upload(app.Context, data)
		if err != nil {
			return err
		}
		fmt.Printf("cid: %s\n", cid)
		if c.Recipient != "" {
			fmt.Printf("encrypted_key: wallet:%d\n", c.Seed)
		}
		return nil
	}

	out := c.Out
	if out == "" {
		out = c.File + ".vault.json"
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return err
	}
	app.Logger.Info("sealed envelope", "path", out, "mode", envelopeMode(env), "size", len(data))
	return nil
}

func envelopeMode(env *envelope.Envelope) string {
	if env.Mode != "" {
		return env.Mode
	}
	return "password"
}

// contentStore builds the gateway store with the local cache in front.
func contentStore(app *AppContext) (content.Store, func(), error) {
	gatewayClient := &http.Client{
		Transport: telemetry.NewInstrumentedTransport(nil, "gateway"),
		Timeout:   60 * time.Second,
	}
	gw := content.NewGatewayStore(app.Globals.Gateway, app.Globals.NodeAPI,
		content.WithGatewayHTTPClient(gatewayClient),
		content.WithGatewayLogger(app.Logger),
	)

	if err := os.MkdirAll(app.Globals.DataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}
	cached, err := content.OpenCachedStore(filepath.Join(app.Globals.DataDir, "content.db"), gw, app.Logger)
	if err != nil {
		return nil, nil, err
	}
	return cached, func() { _ = cached.Close() }, nil
}

// initTelemetry wires up metrics export and the optional /metrics listener.
// The returned function shuts both down.
func initTelemetry(ctx context.Context, metricsAddr, otlpEndpoint string, app *AppContext) (func(), error) {
	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "vaultwatch",
		OTLPEndpoint:     otlpEndpoint,
		EnablePrometheus: metricsAddr != "",
	})
	if err != nil {
		return nil, err
	}

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.Logger.Error("metrics server failed", "error", err)
			}
		}()
		app.Logger.Info("serving metrics", "address", metricsAddr)
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if srv != nil {
			_ = srv.Shutdown(shutdownCtx)
		}
		_ = shutdownMetrics(shutdownCtx)
	}, nil
}
