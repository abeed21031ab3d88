package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	chiprometheus "github.com/766b/chi-prometheus"
	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"

	"video-transformer/configs"
	"video-transformer/external/auth"
	"video-transformer/external/mqtt"
	"video-transformer/external/opencv"
	"video-transformer/external/rtsp"
	"video-transformer/external/storage"
	"video-transformer/internal/events"
	"video-transformer/internal/metrics"
	"video-transformer/internal/pipeline"
	"video-transformer/internal/session"
	"video-transformer/internal/signaling"
	"video-transformer/internal/transport"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	envs := configs.MustConfig()
	modelConfig := configs.MustConfigModels()
	minioConfig := configs.MustConfigMinio()
	mqttConfig := configs.MustConfigMqtt()
	externalAuthService := configs.MustConfigAuthService()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		AddSource: true,
		Level:     envs.SlogLevel(),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	models, closeModels := loadModels(modelConfig, logger)
	defer closeModels()
	catalog := pipeline.NewCatalog(models)
	logger.Info("pipeline modes available", "modes", catalog.Available())

	m := metrics.New(prometheus.DefaultRegisterer)

	hub := events.NewHub(logger)
	var emitter events.Emitter = hub
	if mqttConfig.Enabled() {
		mqttEmitter, client, err := mqtt.Connect(mqttConfig, logger)
		if err != nil {
			logger.Error("mqtt disabled", "err", err)
		} else {
			defer mqtt.Disconnect(mqttEmitter, client)
			emitter = events.Multi{hub, mqttEmitter}
		}
	}

	api, err := transport.NewAPI(transport.Config{
		ICEServers:       envs.ICEServers,
		FFmpeg:           envs.FFmpeg(),
		KeyframeInterval: envs.KeyframeInterval,
	}, logger)
	if err != nil {
		panic(err)
	}

	dial := func(ctx context.Context, rawURL string, opts ...transport.SourceOption) (signaling.Camera, error) {
		cam, err := rtsp.Dial(ctx, rawURL, envs.FFmpeg(), logger, opts...)
		if err != nil {
			return nil, err
		}
		return cam, nil
	}
	negotiator := signaling.NewPeerNegotiator(api, logger,
		signaling.WithDialer(dial),
		signaling.WithEmitter(emitter),
		signaling.WithDropFunc(m.ObserveDrop),
	)

	serviceOpts := []signaling.Option{
		signaling.WithPipelineOptions(pipeline.WithLogger(logger), pipeline.WithObserver(m)),
		signaling.WithSessionOptions(
			session.WithLogger(logger),
			session.OnStateChange(m.ObserveTransition),
			session.OnStateChange(events.StateFunc(emitter)),
		),
	}
	if minioConfig.Enabled() {
		store, err := storage.NewSnapshotRepository(minioConfig, logger)
		if err != nil {
			panic(err)
		}
		if err := store.CreateBucket(ctx); err != nil {
			panic(err)
		}
		serviceOpts = append(serviceOpts, signaling.WithSnapshotStore(store))
	}

	registry := session.NewRegistry(logger)
	service := signaling.NewService(catalog, registry, negotiator, logger, serviceOpts...)

	httpRepository := &signaling.HttpRepository{
		Service:   service,
		Hub:       hub,
		StaticDir: envs.StaticDir,
		Logger:    logger,
		Metrics:   chiprometheus.NewMiddleware("video_transformer"),
	}
	if externalAuthService.Enabled() {
		authRepository := auth.NewAuthRepository(externalAuthService, logger)
		httpRepository.OfferGuards = append(httpRepository.OfferGuards, authRepository.VerifyCredentials)
	}

	handler, err := httpRepository.SetupHandler(chi.NewRouter())
	if err != nil {
		logger.Error("failed to set up handler", "err", err)
		os.Exit(1)
	}

	server := &http.Server{Addr: envs.Addr(), Handler: handler}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server started and running", "addr", envs.Addr(), "tls", envs.TLS())
		if envs.TLS() {
			serveErr <- server.ListenAndServeTLS(envs.CertFile, envs.KeyFile)
		} else {
			serveErr <- server.ListenAndServe()
		}
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "err", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), envs.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("session shutdown", "err", err)
	}
}

// loadModels opens every configured model. A model that fails to load only
// disables the modes that need it.
func loadModels(cfg *configs.ModelEnvs, logger *slog.Logger) (pipeline.Models, func()) {
	models := pipeline.Models{Detect: cfg.DetectParams()}
	var closers []func() error

	if cfg.CascadePath != "" {
		detector, err := opencv.NewCascadeDetector(cfg.CascadePath)
		if err != nil {
			logger.Error("face detector unavailable", "path", cfg.CascadePath, "err", err)
		} else {
			models.Detector = detector
			closers = append(closers, detector.Close)
		}
	}
	if cfg.MaskPath != "" {
		mask, err := opencv.NewNetModel(cfg.MaskPath)
		if err != nil {
			logger.Error("mask model unavailable", "path", cfg.MaskPath, "err", err)
		} else {
			models.Mask = mask
			closers = append(closers, mask.Close)
		}
	}
	if cfg.AgeGenderPath != "" {
		ageGender, err := opencv.NewNetModel(cfg.AgeGenderPath)
		if err != nil {
			logger.Error("age/gender model unavailable", "path", cfg.AgeGenderPath, "err", err)
		} else {
			models.AgeGender = ageGender
			closers = append(closers, ageGender.Close)
		}
	}

	return models, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("close model", "err", err)
			}
		}
	}
}
