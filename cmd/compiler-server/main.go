package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/contract-wizard/compiler-server/internal/artifactstore"
	"github.com/contract-wizard/compiler-server/internal/compilequeue"
	"github.com/contract-wizard/compiler-server/internal/compiler"
	"github.com/contract-wizard/compiler-server/internal/compilerapi"
	"github.com/contract-wizard/compiler-server/internal/compileworker"
	"github.com/contract-wizard/compiler-server/internal/config"
	"github.com/contract-wizard/compiler-server/internal/contract"
	contractpg "github.com/contract-wizard/compiler-server/internal/contract/postgres"
	"github.com/contract-wizard/compiler-server/internal/deployment"
	deploymentpg "github.com/contract-wizard/compiler-server/internal/deployment/postgres"
	"github.com/contract-wizard/compiler-server/internal/events"
	"github.com/contract-wizard/compiler-server/internal/gateway"
	"github.com/contract-wizard/compiler-server/internal/secrets"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	var (
		execArgs      = strings.Join(cfg.ExecArgs, ",")
		eventsBrokers = strings.Join(cfg.EventsBrokers, ",")
	)
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug|info|warn|error)")

	flag.StringVar(&cfg.StoreDriver, "store-driver", cfg.StoreDriver, "contract and deployment store (postgres|memory)")
	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "Postgres DSN")
	flag.StringVar(&cfg.PostgresDSNSecret, "postgres-dsn-secret", cfg.PostgresDSNSecret, "secret holding the Postgres DSN, used when --postgres-dsn is empty")
	flag.StringVar(&cfg.SecretsDriver, "secrets-driver", cfg.SecretsDriver, "secrets provider (env|aws)")

	flag.StringVar(&cfg.ExecBin, "compiler-bin", cfg.ExecBin, "compiler binary")
	flag.StringVar(&execArgs, "compiler-args", execArgs, "compiler arguments (comma-separated)")
	flag.StringVar(&cfg.ExecWorkDir, "compiler-workdir", cfg.ExecWorkDir, "compiler working directory")
	flag.Int64Var(&cfg.ExecMaxResponseBytes, "compiler-max-response-bytes", cfg.ExecMaxResponseBytes, "maximum compiler stdout size")
	flag.DurationVar(&cfg.CompileTimeout, "compile-timeout", cfg.CompileTimeout, "timeout for one compilation")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "how long a compile request waits for its job before answering 503")
	flag.IntVar(&cfg.MaxPending, "max-pending", cfg.MaxPending, "maximum queued compilations (0 = unbounded)")

	flag.StringVar(&cfg.ArtifactDriver, "artifact-driver", cfg.ArtifactDriver, "artifact archive (none|memory|s3)")
	flag.StringVar(&cfg.ArtifactBucket, "artifact-bucket", cfg.ArtifactBucket, "S3 bucket for archived artifacts")
	flag.StringVar(&cfg.ArtifactPrefix, "artifact-prefix", cfg.ArtifactPrefix, "key prefix for archived artifacts")

	flag.StringVar(&cfg.EventsDriver, "events-driver", cfg.EventsDriver, "compilation events (none|stdio|kafka)")
	flag.StringVar(&eventsBrokers, "events-brokers", eventsBrokers, "Kafka brokers (comma-separated)")
	flag.StringVar(&cfg.EventsCompiledTopic, "events-compiled-topic", cfg.EventsCompiledTopic, "topic for compiled events")
	flag.StringVar(&cfg.EventsFailedTopic, "events-failed-topic", cfg.EventsFailedTopic, "topic for failed events")

	flag.StringVar(&cfg.CORSAllowOrigin, "cors-allow-origin", cfg.CORSAllowOrigin, "Access-Control-Allow-Origin value")
	flag.Float64Var(&cfg.RateLimitRPS, "rate-limit-per-ip-per-second", cfg.RateLimitRPS, "per-IP refill rate for API rate limiting")
	flag.IntVar(&cfg.RateLimitBurst, "rate-limit-burst", cfg.RateLimitBurst, "per-IP burst capacity for API rate limiting")
	flag.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", cfg.MaxBodyBytes, "maximum request body size")

	flag.DurationVar(&cfg.ReadHeaderTimeout, "read-header-timeout", cfg.ReadHeaderTimeout, "http.Server ReadHeaderTimeout")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "time allowed for in-flight HTTP requests on shutdown")
	flag.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "time allowed for queued compilations on shutdown")
	flag.Parse()

	cfg.ExecArgs = events.SplitCommaList(execArgs)
	cfg.EventsBrokers = events.SplitCommaList(eventsBrokers)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		contracts   contract.Store
		deployments deployment.Store

		// os.Exit skips deferred calls, so fatal and the final exit close
		// explicitly.
		closers closerStack
	)
	defer closers.closeAll(log)
	fatal := func(msg string, err error) {
		log.Error(msg, "err", err)
		closers.closeAll(log)
		os.Exit(2)
	}
	switch cfg.StoreDriver {
	case "memory":
		contracts = contract.NewMemoryStore(nil)
		deployments = deployment.NewMemoryStore(nil)
		log.Warn("using in-memory stores; contracts and deployments are lost on restart")
	case "postgres":
		dsn, err := resolvePostgresDSN(ctx, cfg)
		if err != nil {
			fatal("resolve postgres dsn", err)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			fatal("init pgx pool", err)
		}
		closers.push("postgres pool", func() error { pool.Close(); return nil })

		contractStore, err := contractpg.New(pool)
		if err != nil {
			fatal("init contract store", err)
		}
		if err := contractStore.EnsureSchema(ctx); err != nil {
			fatal("ensure contract schema", err)
		}
		deploymentStore, err := deploymentpg.New(pool)
		if err != nil {
			fatal("init deployment store", err)
		}
		if err := deploymentStore.EnsureSchema(ctx); err != nil {
			fatal("ensure deployment schema", err)
		}
		contracts = contractStore
		deployments = deploymentStore
	}

	var artifacts artifactstore.Store
	switch cfg.ArtifactDriver {
	case "memory":
		artifacts, err = artifactstore.New(artifactstore.Config{Driver: artifactstore.DriverMemory, Prefix: cfg.ArtifactPrefix})
	case "s3":
		awsCfg, loadErr := awsconfig.LoadDefaultConfig(ctx)
		if loadErr != nil {
			fatal("load aws config", loadErr)
		}
		artifacts, err = artifactstore.New(artifactstore.Config{
			Driver:   artifactstore.DriverS3,
			Prefix:   cfg.ArtifactPrefix,
			Bucket:   cfg.ArtifactBucket,
			S3Client: s3.NewFromConfig(awsCfg),
		})
	}
	if err != nil {
		fatal("init artifact store", err)
	}

	var publisher events.Publisher
	if cfg.EventsDriver != "none" {
		publisher, err = events.New(events.Config{
			Driver:        cfg.EventsDriver,
			CompiledTopic: cfg.EventsCompiledTopic,
			FailedTopic:   cfg.EventsFailedTopic,
			Brokers:       cfg.EventsBrokers,
		})
		if err != nil {
			fatal("init events publisher", err)
		}
		closers.push("events publisher", publisher.Close)
	}

	execClient, err := compiler.NewExecClient(compiler.ExecConfig{
		Binary:           cfg.ExecBin,
		Args:             cfg.ExecArgs,
		WorkDir:          cfg.ExecWorkDir,
		MaxResponseBytes: int(cfg.ExecMaxResponseBytes),
	})
	if err != nil {
		fatal("init compiler", err)
	}

	queue := compilequeue.New(compilequeue.Config{MaxPending: cfg.MaxPending})
	worker, err := compileworker.New(compileworker.Config{
		CompileTimeout: cfg.CompileTimeout,
		Artifacts:      artifacts,
		Events:         publisher,
	}, queue, execClient, contracts, log.With("component", "worker"))
	if err != nil {
		fatal("init worker", err)
	}
	gw, err := gateway.New(queue, contracts, log.With("component", "gateway"))
	if err != nil {
		fatal("init gateway", err)
	}

	handler, err := compilerapi.NewHandler(compilerapi.Config{
		AllowOrigin:             cfg.CORSAllowOrigin,
		RateLimitPerIPPerSecond: cfg.RateLimitRPS,
		RateLimitBurst:          cfg.RateLimitBurst,
		MaxBodyBytes:            cfg.MaxBodyBytes,
		CompileWaitTimeout:      cfg.RequestTimeout,
		Now:                     time.Now,
	}, gw, deployments, log.With("component", "api"))
	if err != nil {
		fatal("init api handler", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout(),
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	worker.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("compiler-server listening",
			"addr", cfg.ListenAddr,
			"store", cfg.StoreDriver,
			"artifacts", cfg.ArtifactDriver,
			"events", cfg.EventsDriver,
			"compiler", cfg.ExecBin,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "err", err)
		}

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer cancelDrain()
		if err := worker.Shutdown(drainCtx); err != nil {
			return fmt.Errorf("drain compile queue: %w", err)
		}
		log.Info("compile queue drained")
		return nil
	})

	err = g.Wait()
	closers.closeAll(log)
	if err != nil {
		log.Error("compiler-server stopped", "err", err)
		os.Exit(1)
	}
}

func resolvePostgresDSN(ctx context.Context, cfg config.Config) (string, error) {
	if dsn := strings.TrimSpace(cfg.PostgresDSN); dsn != "" {
		return dsn, nil
	}
	provider, err := secrets.New(ctx, cfg.SecretsDriver)
	if err != nil {
		return "", err
	}
	return secrets.PostgresDSN(ctx, provider, cfg.PostgresDSNSecret)
}
