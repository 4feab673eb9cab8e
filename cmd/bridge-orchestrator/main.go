package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/usdc-relay/cctp-orchestrator/internal/api"
	"github.com/usdc-relay/cctp-orchestrator/internal/attestation"
	"github.com/usdc-relay/cctp-orchestrator/internal/config"
	"github.com/usdc-relay/cctp-orchestrator/internal/eth"
	"github.com/usdc-relay/cctp-orchestrator/internal/events"
	"github.com/usdc-relay/cctp-orchestrator/internal/incident"
	"github.com/usdc-relay/cctp-orchestrator/internal/leases"
	leasespg "github.com/usdc-relay/cctp-orchestrator/internal/leases/postgres"
	"github.com/usdc-relay/cctp-orchestrator/internal/orchestrator"
	"github.com/usdc-relay/cctp-orchestrator/internal/queue"
	"github.com/usdc-relay/cctp-orchestrator/internal/router"
	"github.com/usdc-relay/cctp-orchestrator/internal/secrets"
	"github.com/usdc-relay/cctp-orchestrator/internal/transfer"
	transferpg "github.com/usdc-relay/cctp-orchestrator/internal/transfer/postgres"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the network and route YAML (required)")
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")
		authEnv    = flag.String("auth-env", "CCTP_API_AUTH_TOKEN", "env var containing bearer auth token (required)")
		maxWait    = flag.Duration("max-wait", 30*time.Minute, "upper bound for one synchronous orchestration")

		secretsDriver = flag.String("secrets-driver", secrets.DriverEnv, "signer key source: env|aws")

		storeDriver = flag.String("store-driver", "postgres", "transfer store driver: postgres|memory")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required when --store-driver=postgres)")
		leaseOwner  = flag.String("lease-owner", defaultLeaseOwner(), "name of this process in transfer leases")
		leaseTTL    = flag.Duration("lease-ttl", time.Minute, "transfer lease TTL; renewed every third of it")

		incidentDriver = flag.String("incident-driver", incident.DriverMemory, "incident report store: s3|memory")
		incidentBucket = flag.String("incident-bucket", "", "S3 bucket for incident reports (required when --incident-driver=s3)")
		incidentPrefix = flag.String("incident-prefix", "incidents", "key prefix for incident reports")

		queueDriver   = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers  = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueTLS      = flag.Bool("queue-tls", false, "dial kafka brokers over TLS")
		progressTopic = flag.String("progress-topic", "", "topic for stage-change events; empty disables publishing")
		requestTopics = flag.String("request-topics", "", "comma-separated topics carrying transfer requests; empty disables the worker")
		queueGroup    = flag.String("queue-group", "bridge-orchestrator", "queue consumer group (required for kafka)")
		queueMaxBytes = flag.Int("queue-max-bytes", 1<<20, "maximum kafka message size for consumer reads (bytes)")
		maxLineBytes  = flag.Int("max-line-bytes", 1<<20, "maximum stdin line size for stdio driver (bytes)")
		ackTimeout    = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue acknowledgements and publishes")
		concurrency   = flag.Int("worker-concurrency", 4, "maximum queued transfers in flight")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "error: --config is required")
		os.Exit(2)
	}
	if *maxWait <= 0 || *ackTimeout <= 0 || *concurrency <= 0 || *queueMaxBytes <= 0 || *maxLineBytes <= 0 || *leaseTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-wait, --queue-ack-timeout, --worker-concurrency, --queue-max-bytes, --max-line-bytes, and --lease-ttl must be > 0")
		os.Exit(2)
	}
	authToken := os.Getenv(*authEnv)
	if authToken == "" {
		fmt.Fprintf(os.Stderr, "error: missing auth token in env %s\n", *authEnv)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secretProvider, err := secrets.New(ctx, *secretsDriver)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}

	networks, closeNetworks, err := dialNetworks(ctx, cfg, secretProvider, log)
	if err != nil {
		log.Error("init networks", "err", err)
		os.Exit(1)
	}
	defer closeNetworks()

	var (
		store      transfer.Store
		leaseStore leases.Store
	)
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "postgres":
		if strings.TrimSpace(*postgresDSN) == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required when --store-driver=postgres")
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := transferpg.New(pool)
		if err != nil {
			log.Error("init transfer store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure transfer schema", "err", err)
			os.Exit(2)
		}
		store = pgStore

		pgLeases, err := leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := pgLeases.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		leaseStore = pgLeases
	case "memory":
		store = transfer.NewMemoryStore()
		leaseStore = leases.NewMemoryStore(nil)
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}

	signerNames := make([]string, 0, len(networks))
	for name, n := range networks {
		signerNames = append(signerNames, leases.SignerName(name, n.Invoker.From().Hex()))
	}
	signerCtx, releaseSigners, err := leases.HoldAll(ctx, leaseStore, signerNames, leases.HoldConfig{
		Owner: *leaseOwner,
		TTL:   *leaseTTL,
	}, log)
	if err != nil {
		// Another orchestrator is signing with the same key; two nonce managers would collide.
		log.Error("hold signer leases", "err", err)
		os.Exit(2)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseSigners(rctx); err != nil {
			log.Warn("release signer leases", "err", err)
		}
	}()

	incidentStoreCfg := incident.StoreConfig{
		Driver: *incidentDriver,
		Bucket: *incidentBucket,
		Prefix: *incidentPrefix,
	}
	if strings.EqualFold(strings.TrimSpace(*incidentDriver), incident.DriverS3) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("load aws config", "err", err)
			os.Exit(2)
		}
		incidentStoreCfg.Client = s3.NewFromConfig(awsCfg)
	}
	incidentStore, err := incident.NewStore(incidentStoreCfg)
	if err != nil {
		log.Error("init incident store", "err", err)
		os.Exit(2)
	}
	reporter, err := incident.NewReporter(incidentStore, time.Now, log)
	if err != nil {
		log.Error("init incident reporter", "err", err)
		os.Exit(2)
	}

	attClient, err := attestation.NewClient(cfg.Attestation.URL,
		attestation.WithRateLimit(cfg.Attestation.RatePerSecond, cfg.Attestation.Burst),
		attestation.WithBreakerThreshold(cfg.Attestation.BreakerThreshold),
		attestation.WithLogger(log),
	)
	if err != nil {
		log.Error("init attestation client", "err", err)
		os.Exit(2)
	}
	attestor, err := attestation.NewPoller(attClient, attestation.PollerConfig{CacheSize: cfg.Attestation.CacheSize}, log)
	if err != nil {
		log.Error("init attestation poller", "err", err)
		os.Exit(2)
	}

	deps := orchestrator.Deps{
		Networks:  networks,
		Attestor:  attestor,
		Store:     store,
		Incidents: reporter,
		Leases:    leaseStore,
	}
	if len(cfg.DepositRoutes) > 0 {
		routerClient, err := router.NewClient(cfg.Router.URL, cfg.Router.IntegratorID,
			router.WithRateLimit(cfg.Router.RatePerSecond, 1),
		)
		if err != nil {
			log.Error("init router client", "err", err)
			os.Exit(2)
		}
		deps.Router = routerClient
	}

	if *progressTopic != "" {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitList(*queueBrokers),
			TLS:     *queueTLS,
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = producer.Close() }()

		publisher, err := events.NewPublisher(producer, *progressTopic, *ackTimeout, log)
		if err != nil {
			log.Error("init progress publisher", "err", err)
			os.Exit(2)
		}
		deps.Observer = publisher
	}

	orchCfg := cfg.OrchestratorConfig()
	orchCfg.LeaseOwner = *leaseOwner
	orchCfg.LeaseTTL = *leaseTTL
	orch, err := orchestrator.New(orchCfg, deps, log)
	if err != nil {
		log.Error("init orchestrator", "err", err)
		os.Exit(2)
	}

	logStranded(ctx, orch, log)

	errCh := make(chan error, 3)
	go func() {
		<-signerCtx.Done()
		if cause := context.Cause(signerCtx); errors.Is(cause, leases.ErrLost) {
			errCh <- fmt.Errorf("signer lease: %w", cause)
		}
	}()

	if topics := queue.SplitList(*requestTopics); len(topics) > 0 {
		consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
			Driver:       *queueDriver,
			Brokers:      queue.SplitList(*queueBrokers),
			TLS:          *queueTLS,
			Group:        *queueGroup,
			Topics:       topics,
			MaxBytes:     *queueMaxBytes,
			MaxLineBytes: *maxLineBytes,
		})
		if err != nil {
			log.Error("init queue consumer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = consumer.Close() }()

		worker, err := events.NewWorker(consumer, orch, events.WorkerConfig{
			Concurrency: *concurrency,
			Decimals:    cfg.TokenDecimals,
			AckTimeout:  *ackTimeout,
		}, log)
		if err != nil {
			log.Error("init request worker", "err", err)
			os.Exit(2)
		}
		go func() {
			if err := worker.Run(signerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("request worker: %w", err)
			}
		}()
	}

	handler := api.NewHandler(orch, api.Config{
		AuthToken: authToken,
		MaxWait:   *maxWait,
		Decimals:  cfg.TokenDecimals,
		Incidents: reporter,
		Log:       log,
	})
	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      *maxWait + time.Minute,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
		// Orchestrations stop submitting as soon as a signer lease is lost.
		BaseContext: func(net.Listener) context.Context { return signerCtx },
	}
	go func() {
		log.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	log.Info("bridge orchestrator started",
		"networks", len(networks),
		"burnRoutes", len(cfg.BurnRoutes),
		"depositRoutes", len(cfg.DepositRoutes),
		"attestationURL", cfg.Attestation.URL,
		"storeDriver", strings.ToLower(strings.TrimSpace(*storeDriver)),
		"incidentDriver", strings.ToLower(strings.TrimSpace(*incidentDriver)),
		"progressTopic", *progressTopic,
		"requestTopics", *requestTopics,
	)

	exit := 0
	select {
	case <-ctx.Done():
		log.Info("shutdown", "signal", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			exit = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	if exit != 0 {
		os.Exit(exit)
	}
}

// dialNetworks connects to every configured network, checks its chain id and builds one invoker
// per signer.
func dialNetworks(ctx context.Context, cfg config.Config, p secrets.Provider, log *slog.Logger) (map[string]orchestrator.Network, func(), error) {
	var clients []*ethclient.Client
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}

	out := make(map[string]orchestrator.Network, len(cfg.Networks))
	for _, n := range cfg.Networks {
		signer, err := secrets.LoadSigner(ctx, p, n.SignerSecret)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("network %s: %w", n.Name, err)
		}

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := ethclient.DialContext(dialCtx, n.RPCURL)
		if err != nil {
			cancel()
			closeAll()
			return nil, nil, fmt.Errorf("network %s: dial rpc: %w", n.Name, err)
		}
		clients = append(clients, client)

		chainID := big.NewInt(n.ChainID)
		got, err := client.ChainID(dialCtx)
		cancel()
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("network %s: fetch chain id: %w", n.Name, err)
		}
		if got.Cmp(chainID) != 0 {
			closeAll()
			return nil, nil, fmt.Errorf("network %s: chain id mismatch: want %s got %s", n.Name, chainID, got)
		}

		chain, err := eth.NewChainClient(eth.ChainHandle{
			Network: n.Name,
			ChainID: chainID,
			RPCURL:  n.RPCURL,
			Signer:  signer.Address(),
		}, client)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		invoker, err := eth.NewInvoker(chain, signer, eth.InvokerConfig{
			GasLimitMultiplier: n.GasLimitMultiplier,
			MinTipCap:          n.MinTip(),
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		waiter, err := eth.NewWaiter(chain, eth.WaiterConfig{
			Network:       n.Name,
			Confirmations: cfg.Confirmation.Depth,
		}, log)
		if err != nil {
			closeAll()
			return nil, nil, err
		}

		out[n.Name] = orchestrator.Network{
			Name:    n.Name,
			ChainID: chainID,
			Invoker: invoker,
			Waiter:  waiter,
		}
		log.Info("network ready", "network", n.Name, "chainID", chainID.String(), "signer", signer.Address())
	}
	return out, closeAll, nil
}

// logStranded reports transfers a previous run left unfinished so an operator can resume them.
func logStranded(ctx context.Context, orch *orchestrator.Orchestrator, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	stranded, err := orch.Stranded(ctx, 100)
	if err != nil {
		log.Warn("stranded transfer sweep", "err", err)
		return
	}
	for _, st := range stranded {
		log.Warn("stranded transfer",
			"transferID", st.ID,
			"attempt", st.Attempt,
			"stage", st.Stage.String(),
			"burnTx", st.BurnTxHash,
			"receiveTx", st.ReceiveTxHash,
			"updatedAt", st.UpdatedAt,
		)
	}
}

func defaultLeaseOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "bridge-orchestrator"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
