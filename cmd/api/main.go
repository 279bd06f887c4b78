package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"prism-api/internal/config"
	"prism-api/internal/handlers/images"
	"prism-api/internal/handlers/keys"
	"prism-api/internal/handlers/proxy"
	"prism-api/internal/keystore"
	"prism-api/internal/middleware"
	"prism-api/internal/pipeline"
	"prism-api/internal/routers"
	"prism-api/internal/shared"
	"prism-api/internal/signing"
	"prism-api/internal/usage"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()

	// Flags / ENV Variables
	listen := flag.String("listen", ":80", "Address to listen on")
	authorityURL := flag.String("authority-url", "", "Authority base URL for key list and usage ingestion")
	authorityToken := flag.String("authority-token", "", "Admin token sent on authority requests")
	apiPublicKey := flag.String("api-public-key", "", "Base64 PEM public key verifying signed key pushes")
	models := flag.String("models", "", "Comma separated model names to serve")
	dataDir := flag.String("data-dir", "./data", "Directory holding per-model config files")
	refreshInterval := flag.Duration("refresh-interval", shared.DefaultRefreshInterval, "Key list refresh interval")
	upstreamTimeout := flag.Duration("upstream-timeout", shared.DefaultUpstreamTimeout, "Overall upstream request timeout")
	imageWorker := flag.String("image-worker", "", "Image worker binary path")
	rembgURL := flag.String("rembg-url", "", "Background removal service URL")
	metricsAPIKey := flag.String("metrics-api-key", "", "Metrics api key")
	debug := flag.Bool("debug", false, "Debug enabled")

	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	var logger *zap.Logger
	if !*debug {
		logger, err = zap.NewProduction()
		if err != nil {
			panic("Failed init logger")
		}
	}
	if *debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			panic("Failed init logger")
		}
	}
	log := logger.Sugar()

	registry, err := config.LoadRegistry(*dataDir, strings.Split(*models, ","))
	if err != nil {
		panic(fmt.Sprintf("failed loading model registry: %s", err))
	}
	if registry.Len() == 0 {
		panic("no models configured, set MODELS")
	}
	log.Infow("model registry loaded", "models", registry.Len())

	keyStore := keystore.New(*authorityURL, *authorityToken, *refreshInterval, log)
	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	defer stopRefresh()
	go keyStore.Run(refreshCtx)

	reporter := usage.NewReporter(*authorityURL, *authorityToken, log)
	pipelines := pipeline.NewManager(pipeline.NewWorkerLoader(*imageWorker, log), log)
	defer pipelines.Close()

	deps := routers.Deps{
		Proxy:  proxy.NewEngine(keyStore, registry, reporter, *upstreamTimeout, log),
		Images: images.NewService(keyStore, registry, pipelines, reporter, *rembgURL, log),
	}
	if *apiPublicKey != "" {
		pub, err := signing.ParsePublicKey(*apiPublicKey)
		if err != nil {
			panic(fmt.Sprintf("failed parsing api public key: %s", err))
		}
		deps.Keys = keys.NewHandler(keyStore, signing.NewVerifier(pub), log)
	} else {
		log.Warn("no api public key configured, key push endpoint disabled")
	}

	e := echo.New()
	e.GET(("/ping"), func(c echo.Context) error {
		return c.String(200, "pong")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if *metricsAPIKey == "" {
				return next(c)
			}
			apiKey := c.QueryParam("api_key")
			if apiKey == "" {
				apiKey, _ = shared.ExtractAPIKey(c)
			}
			if apiKey != *metricsAPIKey {
				return c.String(401, "Unauthorized API key")
			}
			return next(c)
		}
	})
	base := e.Group("")
	base.Use(emw.CORS())
	base.Use(middleware.NewRecoverMiddleware(log))
	base.Use(middleware.NewTrackMiddleware(log))

	routers.Register(base, deps)

	go func() {
		if err := e.Start(*listen); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("shutting down the server")
		}
	}()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	stopRefresh()
	sctx, cancel := context.WithTimeout(context.Background(), shared.DefaultShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		e.Logger.Fatal(err)
	}
}
