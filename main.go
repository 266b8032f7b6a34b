package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gojektech/heimdall/v6"
	"github.com/gojektech/heimdall/v6/httpclient"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/4406arthur/verity/adapter"
	"github.com/4406arthur/verity/alert"
	_natsDeliver "github.com/4406arthur/verity/delivery/nats"
	"github.com/4406arthur/verity/domain"
	"github.com/4406arthur/verity/eventbus"
	"github.com/4406arthur/verity/extractor"
	"github.com/4406arthur/verity/fusion"
	"github.com/4406arthur/verity/gateway"
	"github.com/4406arthur/verity/orchestrator"
)

var usageStr = `
Verity media analysis orchestrator

Server Options:
    -c, --config <file>              Configuration file path
    -h, --help                       Show this message
    -v, --version                    Show version
`

// usage will print out the flag options for the server.
func usage() {
	fmt.Printf("%s\n", usageStr)
	os.Exit(0)
}

func setup(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	v.SetConfigName("config")
	if path != "" {
		v.AddConfigPath(path)
	} else {
		v.AddConfigPath("./config/")
	}

	v.SetDefault("nats.host", "nats://127.0.0.1:4222")
	v.SetDefault("worker.poolSize", 4)
	v.SetDefault("orchestrator.stride", 2)
	v.SetDefault("orchestrator.retentionSec", 300)
	v.SetDefault("orchestrator.heartbeatSec", 10)
	v.SetDefault("bus.bufferSize", 50)
	v.SetDefault("bus.subscriberQueueSize", 64)
	v.SetDefault("extractor.numFrames", 16)
	v.SetDefault("adapterTimeoutMs", 5000)
	v.SetDefault("gateway.listen", ":8080")
	v.SetDefault("gateway.heartbeatTimeoutSec", 30)
	v.SetDefault("gateway.sweepIntervalSec", 5)

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file, %s", err)
	}
	return v
}

var version string

func printVersion() {
	fmt.Printf(`Verity %s, Compiler: %s %s`,
		version,
		runtime.Compiler,
		runtime.Version())
	fmt.Println()
}

type adapterConfig struct {
	Name     string  `mapstructure:"name"`
	Endpoint string  `mapstructure:"endpoint"`
	Weight   float64 `mapstructure:"weight"`
}

func main() {

	var configFile string
	var showVersion bool
	version = "0.1.0"
	flag.BoolVar(&showVersion, "v", false, "Print version information.")
	flag.StringVar(&configFile, "c", "", "Configuration file path.")
	flag.Usage = usage
	flag.Parse()

	if showVersion {
		printVersion()
		os.Exit(0)
	}

	viperConfig := setup(configFile)

	//define a retry http cli shared by adapters, extractor and alerting
	timeout := time.Duration(viperConfig.GetInt(`adapterTimeoutMs`)) * time.Millisecond
	httpCli := httpclient.NewClient(
		httpclient.WithHTTPTimeout(timeout),
		httpclient.WithRetryCount(2),
		httpclient.WithRetrier(heimdall.NewRetrier(heimdall.NewConstantBackoff(10*time.Millisecond, 50*time.Millisecond))),
	)

	var adapterConfigs []adapterConfig
	if err := viperConfig.UnmarshalKey("adapters", &adapterConfigs); err != nil {
		log.Fatalf("Error reading adapters config, %s", err)
	}
	if len(adapterConfigs) == 0 {
		log.Fatalf("No model adapters configured")
	}
	scorers := make([]domain.Scorer, 0, len(adapterConfigs))
	weights := make(map[string]float64, len(adapterConfigs))
	for _, ac := range adapterConfigs {
		scorers = append(scorers, adapter.NewHTTPScorer(ac.Name, ac.Endpoint, timeout, httpCli))
		if ac.Weight > 0 {
			weights[ac.Name] = ac.Weight
		}
		log.Printf("[Info] registered adapter %s -> %s", ac.Name, ac.Endpoint)
	}

	bus := eventbus.New(
		viperConfig.GetInt(`bus.bufferSize`),
		viperConfig.GetInt(`bus.subscriberQueueSize`),
	)

	var al alert.Alert
	if url := viperConfig.GetString(`alert.webhook`); url != "" {
		al = alert.NewWebhook(httpCli, url)
	}

	results := make(chan []byte, 64)
	ex := extractor.NewHTTPExtractor(
		viperConfig.GetString(`extractor.endpoint`),
		viperConfig.GetInt(`extractor.numFrames`),
		httpCli,
	)

	orch := orchestrator.New(
		orchestrator.Config{
			PoolSize:          viperConfig.GetInt(`worker.poolSize`),
			Stride:            viperConfig.GetInt(`orchestrator.stride`),
			Retention:         time.Duration(viperConfig.GetInt(`orchestrator.retentionSec`)) * time.Second,
			HeartbeatInterval: time.Duration(viperConfig.GetInt(`orchestrator.heartbeatSec`)) * time.Second,
		},
		bus, scorers, ex, fusion.New(weights), al, results,
	)

	messageQueue := _natsDeliver.NewMessageQueue(viperConfig.GetString(`nats.host`))
	jobQueue := make(chan *nats.Msg)
	messageQueue.Subscribe(_natsDeliver.SubjectJobs, _natsDeliver.QueueGroup, jobQueue)
	go messageQueue.Publish(_natsDeliver.SubjectResults, results)

	auth := gateway.NewAuthenticator(viperConfig.GetString(`auth.secret`))
	manager := gateway.NewManager(
		bus, orch, auth,
		time.Duration(viperConfig.GetInt(`gateway.heartbeatTimeoutSec`))*time.Second,
		time.Duration(viperConfig.GetInt(`gateway.sweepIntervalSec`))*time.Second,
	)

	mux := gateway.NewServer(manager, orch).Routes()
	mux.Handle("/metrics", promhttp.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go manager.Run(ctx)

	httpSrv := &http.Server{Addr: viperConfig.GetString(`gateway.listen`), Handler: mux}
	go func() {
		log.Printf("[Info] gateway listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway: %s", err.Error())
		}
	}()

	// blocks until a shutdown signal, then drains in-flight jobs
	orch.Run(ctx, jobQueue)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	close(results)
	messageQueue.Close()
}
