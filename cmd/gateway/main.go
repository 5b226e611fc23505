package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"

	"github.com/x402wrap/paygate/internal/analytics"
	"github.com/x402wrap/paygate/internal/blockchain"
	"github.com/x402wrap/paygate/internal/config"
	"github.com/x402wrap/paygate/internal/descriptor"
	"github.com/x402wrap/paygate/internal/forwarder"
	"github.com/x402wrap/paygate/internal/gate"
	"github.com/x402wrap/paygate/internal/http_api"
	"github.com/x402wrap/paygate/internal/management"
	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/internal/notificator"
	"github.com/x402wrap/paygate/internal/repository"
	"github.com/x402wrap/paygate/internal/verifier"
	"github.com/x402wrap/paygate/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "gateway",
		Usage: "x402 payment gateway for wrapped APIs",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Aliases: []string{"l"}, Usage: "HTTP listen port"},
			&cli.StringFlag{Name: "storage", Aliases: []string{"S"}, Usage: "Ledger storage: postgres or memory"},
			&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
			&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
			&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
			&cli.IntFlag{Name: "postgres-port", Aliases: []string{"P"}, Usage: "Postgres port"},
			&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
			&cli.StringFlag{Name: "solana-devnet-rpc", Usage: "Solana devnet RPC endpoint"},
			&cli.StringFlag{Name: "solana-mainnet-rpc", Usage: "Solana mainnet-beta RPC endpoint"},
			&cli.StringFlag{Name: "core-rpc-url", Aliases: []string{"b"}, Usage: "Core Blockchain RPC endpoint"},
			&cli.BoolFlag{Name: "require-memo", Usage: "Require the issued nonce in every payment"},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
		},
		Action: func(c *cli.Context) error {
			return run(c)
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %v", err)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Development, logger.WithSentry(cfg.SentryDSN, map[string]string{"service": "paygate"}))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}
	defer log.Sync(2 * time.Second)

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	var repo models.Repository
	switch cfg.Storage {
	case config.StorageMemory:
		log.Warn("Using in-memory ledger; payments are only deduplicated within this process")
		repo = repository.NewMemoryDB()
	default:
		repo, err = repository.NewPostgresDB(cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresHost, cfg.PostgresPort, log)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %v", err)
		}
	}
	defer repo.Close()

	var nonces models.NonceStore = repo
	if cfg.NonceStore == config.NonceStoreRedis {
		redisNonces, err := repository.NewRedisNonceStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			return err
		}
		defer redisNonces.Close()
		nonces = redisNonces
	}

	// Initialize blockchain services
	chains := blockchain.NewRegistry()
	if cfg.SolanaDevnetRPC != "" {
		chains.Register(blockchain.NewSolana(cfg.SolanaDevnetRPC, models.NetworkSolanaDevnet, log))
	}
	if cfg.SolanaMainnetRPC != "" {
		chains.Register(blockchain.NewSolana(cfg.SolanaMainnetRPC, models.NetworkSolanaMainnet, log))
	}
	if cfg.CoreRPCURL != "" {
		core := blockchain.NewGocore(cfg.CoreRPCURL, models.Network(cfg.CoreNetwork()), cfg.CoreNetworkID, cfg.CoreConfirmations, log)
		if err := core.ConnectToRPC(); err != nil {
			return err
		}
		defer core.Close()
		chains.Register(core)
	}
	log.Infow("Payment networks configured", "networks", chains.Networks())

	// Initialize management API client
	wrappers := management.NewClient(cfg.ManagementAPIURL, cfg.ManagementCacheTTL, log)
	wrappers.StartEviction(cfg.ManagementCacheTTL)
	defer wrappers.Stop()

	// Initialize notificator
	var channels []notificator.Channel
	if len(cfg.BillingAlertEmails) > 0 {
		channels = append(channels, notificator.NewEmailNotificator(log, cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPSender, cfg.BillingAlertEmails))
	}
	if cfg.TelegramBotToken != "" {
		telegram, err := notificator.NewTelegramNotificator(ctx, log, cfg.TelegramBotToken, cfg.TelegramAlertChatID)
		if err != nil {
			return err
		}
		channels = append(channels, telegram)
	}
	notifier := notificator.NewNotificator(log, channels...)
	defer notifier.Stop()

	// Create the gate
	g := gate.NewGate(
		wrappers,
		wrappers,
		repo,
		nonces,
		descriptor.NewBuilder(nonces, cfg.NonceTTL, log),
		verifier.NewVerifier(repo, nonces, chains, log,
			verifier.WithTimeout(cfg.VerifyTimeout),
			verifier.WithRequireMemo(cfg.RequireMemo),
		),
		forwarder.NewForwarder(cfg.ForwardTimeout, cfg.ForwardMaxRetries, log),
		notifier,
		log,
		cfg,
	)
	g.Start(ctx)

	// Initialize API server
	apiServer := http_api.NewHTTPServer(g, analytics.NewService(repo, wrappers, log), cfg, log)
	go apiServer.Start()

	<-ctx.Done()
	log.Info("Shutdown signal received")
	err = apiServer.Shutdown()
	g.Wait()
	return err
}

// applyFlags overrides environment configuration with flags that were set
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("port") {
		cfg.APIPort = c.Int("port")
	}
	if c.IsSet("storage") {
		cfg.Storage = c.String("storage")
	}
	if c.IsSet("postgres-user") {
		cfg.PostgresUser = c.String("postgres-user")
	}
	if c.IsSet("postgres-password") {
		cfg.PostgresPassword = c.String("postgres-password")
	}
	if c.IsSet("postgres-host") {
		cfg.PostgresHost = c.String("postgres-host")
	}
	if c.IsSet("postgres-port") {
		cfg.PostgresPort = c.Int("postgres-port")
	}
	if c.IsSet("postgres-db") {
		cfg.PostgresDB = c.String("postgres-db")
	}
	if c.IsSet("solana-devnet-rpc") {
		cfg.SolanaDevnetRPC = c.String("solana-devnet-rpc")
	}
	if c.IsSet("solana-mainnet-rpc") {
		cfg.SolanaMainnetRPC = c.String("solana-mainnet-rpc")
	}
	if c.IsSet("core-rpc-url") {
		cfg.CoreRPCURL = c.String("core-rpc-url")
	}
	if c.IsSet("require-memo") {
		cfg.RequireMemo = c.Bool("require-memo")
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}
}
