package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/NFTcolumn/pony-referral-worker/api"
	"github.com/NFTcolumn/pony-referral-worker/chain"
	"github.com/NFTcolumn/pony-referral-worker/db"
	"github.com/NFTcolumn/pony-referral-worker/kafka"
	"github.com/NFTcolumn/pony-referral-worker/metrics"
	"github.com/NFTcolumn/pony-referral-worker/retry"
	"github.com/NFTcolumn/pony-referral-worker/sync"
)

const envPrefix = "PONY_REFERRAL_WORKER"

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	log.SetOutput(os.Stdout) // default is stderr

	config := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %v", err)
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	var cfg struct {
		Client struct {
			RpcUrl            string        `conf:"default:http://127.0.0.1:8545"`
			RaceContract      string        `conf:"required"`
			ReferralContract  string        `conf:"required"`
			PrivateKey        string        `conf:"required,noprint"`
			ReadTimeout       time.Duration `conf:"default:20s"`
			SubmitTimeout     time.Duration `conf:"default:5m"`
			RequestsPerSecond int           `conf:"default:10"`
		}
		Broker struct {
			Enabled          bool     `conf:"default:false"`
			BootstrapServers []string `conf:"default:localhost:9092"`
			ProduceTopic     string   `conf:"default:pony-referral-funding"`
		}
		Sync struct {
			InternalStoreFolder string        `conf:"default:store"`
			CheckInterval       time.Duration `conf:"default:1m"`
			MaxBlockRange       uint64        `conf:"default:5000"`
			InitialLookback     uint64        `conf:"default:5000"`
			StartBlock          uint64        `conf:"optional"`                // overrides last processed block
			RewardPerRace       string        `conf:"default:100000000000000"` // in wei
			RetryAttempts       int           `conf:"default:3"`
			RetryBaseDelay      time.Duration `conf:"default:1s"`
			ServerPort          int           `conf:"default:8000"`
			MetricsPort         int           `conf:"default:9999"`
			MetricsNamespace    string        `conf:"default:pony_referral"`
		}
	}

	// load config
	if err := conf.Parse(os.Args[1:], envPrefix, &cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return errors.Wrap(err, "generating config for output")
	}
	log.Printf("main: Config :\n%v\n", out)

	rewardPerRace, ok := new(big.Int).SetString(cfg.Sync.RewardPerRace, 10)
	if !ok || rewardPerRace.Sign() < 0 {
		return errors.Errorf("invalid reward per race: %s", cfg.Sync.RewardPerRace)
	}
	if !common.IsHexAddress(cfg.Client.RaceContract) {
		return errors.Errorf("invalid race contract address: %s", cfg.Client.RaceContract)
	}
	if !common.IsHexAddress(cfg.Client.ReferralContract) {
		return errors.Errorf("invalid referral contract address: %s", cfg.Client.ReferralContract)
	}

	store, err := db.NewPebbleStore(cfg.Sync.InternalStoreFolder)
	if err != nil {
		return errors.Wrap(err, "creating db")
	}

	lastProcessedBlock, err := store.GetLastProcessedBlock()
	if cfg.Sync.StartBlock > 0 || errors.Is(err, db.ErrNotFound) {
		log.Printf("Setting last processed block to [%d]", cfg.Sync.StartBlock)
		setErr := store.SetLastProcessedBlock(cfg.Sync.StartBlock)
		if setErr != nil {
			return errors.Wrap(setErr, "setting last processed block")
		}
	} else if err != nil {
		return errors.Wrap(err, "getting last processed block")
	} else {
		log.Printf("Resuming from block: [%d].", lastProcessedBlock)
	}

	client, err := ethclient.Dial(cfg.Client.RpcUrl)
	if err != nil {
		return errors.Wrap(err, "connecting to rpc endpoint")
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(cfg.Client.RequestsPerSecond), cfg.Client.RequestsPerSecond)
	source := chain.NewRaceEventSource(client, limiter, common.HexToAddress(cfg.Client.RaceContract))

	setupCtx, setupCancel := context.WithTimeout(ctx, cfg.Client.ReadTimeout)
	registry, err := chain.NewReferralRegistry(setupCtx, client, limiter,
		common.HexToAddress(cfg.Client.ReferralContract), cfg.Client.PrivateKey)
	setupCancel()
	if err != nil {
		return errors.Wrap(err, "creating referral registry client")
	}
	sLogger.Infow("Funding rewards", "account", registry.Funder())

	var reporter sync.Reporter
	if cfg.Broker.Enabled {
		kafkaMetrics := kprom.NewMetrics(cfg.Sync.MetricsNamespace,
			kprom.Registerer(prometheus.DefaultRegisterer),
			kprom.Gatherer(prometheus.DefaultGatherer))
		kcl, err := kgo.NewClient(
			kgo.WithHooks(kafkaMetrics),
			kgo.SeedBrokers(cfg.Broker.BootstrapServers...),
			kgo.DefaultProduceTopic(cfg.Broker.ProduceTopic),
			kgo.ProducerBatchCompression(kgo.ZstdCompression()),
			kgo.WithLogger(kgo.BasicLogger(os.Stdout, kgo.LogLevelInfo, nil)),
		)
		if err != nil {
			return errors.Wrap(err, "creating kafka client")
		}
		defer kcl.Close()
		reporter = kafka.NewFundingReportProducer(kcl, cfg.Broker.ProduceTopic)
	}

	procMetrics := metrics.NewProcessingMetrics(cfg.Sync.MetricsNamespace)
	retrier := retry.NewExecutor(cfg.Sync.RetryAttempts, cfg.Sync.RetryBaseDelay,
		func(label string, err error, delay time.Duration) {
			sLogger.Warnw("Retrying after error", "operation", label, "delay", delay, "error", err)
		})

	settings := sync.Settings{
		RewardPerRace:   rewardPerRace,
		MaxBlockRange:   cfg.Sync.MaxBlockRange,
		InitialLookback: cfg.Sync.InitialLookback,
		CheckInterval:   cfg.Sync.CheckInterval,
		ReadTimeout:     cfg.Client.ReadTimeout,
		SubmitTimeout:   cfg.Client.SubmitTimeout,
	}
	processor := sync.NewProcessor(source, registry, registry, store, reporter, retrier, settings, procMetrics, sLogger)

	procErr := make(chan error, 1)
	go func() {
		procErr <- processor.Start(ctx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// status endpoint
	apiError := make(chan error, 1)
	go func() {
		mux := http.NewServeMux()
		server := api.NewHandler(store)
		mux.HandleFunc("/health", server.GetHealth)
		mux.HandleFunc("/v1/status", server.GetStatus)
		log.Printf("main: Starting server on port [%d].", cfg.Sync.ServerPort)
		apiError <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Sync.ServerPort), mux)
	}()

	// metrics endpoint
	metricsError := make(chan error, 1)
	go func() {
		log.Printf("main: Starting metrics server on port [%d].", cfg.Sync.MetricsPort)
		http.Handle("/metrics", promhttp.Handler())
		metricsError <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Sync.MetricsPort), nil)
	}()

	log.Println("main: Service started.")

	for {
		select {
		case <-shutdown:
			log.Println("main: Received shutdown signal, shutting down...")
			cancel()
			<-procErr // wait for an in-flight cycle to finish
			return nil
		case err := <-procErr:
			return fmt.Errorf("[ERROR] processing: %v", err)
		case err := <-apiError:
			return fmt.Errorf("[ERROR] starting api server: %v", err)
		case err := <-metricsError:
			return fmt.Errorf("[ERROR] starting metrics server: %v", err)
		}
	}
}
