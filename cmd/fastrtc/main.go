// Command fastrtc runs a standalone real-time media server. Without further
// configuration it serves an echo handler; with a VAD model path it serves a
// ReplyOnPause echo bot, and with stopwords plus a whisper host it serves a
// wake-phrase-gated bot.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/freddyaboulton/gradio-webrtc/pkg/commons"
	"github.com/freddyaboulton/gradio-webrtc/pkg/pause"
	"github.com/freddyaboulton/gradio-webrtc/pkg/rtc"
	"github.com/freddyaboulton/gradio-webrtc/pkg/stream"
	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer"
	"github.com/freddyaboulton/gradio-webrtc/pkg/stt"
	"github.com/freddyaboulton/gradio-webrtc/pkg/vad"
)

func main() {
	vConfig, err := InitConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read config: %v\n", err)
		os.Exit(1)
	}
	cfg, err := GetApplicationConfig(vConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logOpts := []commons.LoggerOption{commons.WithLevel(cfg.LogLevel)}
	if cfg.LogFile != "" {
		logOpts = append(logOpts, commons.WithRollingFile(cfg.LogFile, 100, 28))
	}
	logger, err := commons.NewApplicationLogger(logOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	handler, err := buildHandler(logger, cfg)
	if err != nil {
		logger.Errorw("Failed to build handler", "error", err)
		os.Exit(1)
	}

	rtcConfig := rtc.DefaultConfig()
	if cfg.TURNServerURL != "" {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, rtc.ICEServer{
			URLs:       []string{cfg.TURNServerURL},
			Username:   cfg.TURNServerUsername,
			Credential: cfg.TURNServerCredential,
		})
	}

	st := stream.New(handler,
		stream.WithLogger(logger),
		stream.WithModality(streamer.Modality(cfg.Modality)),
		stream.WithMode(streamer.Mode(cfg.Mode)),
		stream.WithConcurrencyLimit(cfg.ConcurrencyLimit),
		stream.WithTimeLimit(time.Duration(cfg.TimeLimitSeconds)*time.Second),
		stream.WithRTCConfig(rtcConfig),
	)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": st.ActiveSessions()})
	})
	st.Mount(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("Server listening", "addr", srv.Addr, "service", cfg.Name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("Shutting down")
		st.Shutdown()
		vad.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Errorw("Server exited with error", "error", err)
		os.Exit(1)
	}
}

// buildHandler picks the demo handler based on what is configured.
func buildHandler(logger commons.Logger, cfg *AppConfig) (streamer.Handler, error) {
	if cfg.VADModelPath == "" {
		logger.Infow("Serving echo handler")
		return streamer.NewEchoHandler(streamer.DefaultProps()), nil
	}

	// Echo back each completed utterance at the output rate.
	reply := func(ctx context.Context, utterance *streamer.AudioFrame, _ []any, yield func(streamer.Output) error) error {
		return yield(utterance)
	}

	opts := []pause.Option{
		pause.WithModelPath(cfg.VADModelPath),
		pause.WithLogger(logger),
	}
	if len(cfg.StopWords) > 0 && cfg.WhisperHost != "" {
		engine, err := stt.NewWhisperClient(cfg.WhisperHost)
		if err != nil {
			return nil, err
		}
		logger.Infow("Serving stopword-gated utterance echo", "stopWords", cfg.StopWords)
		return pause.NewReplyOnStopwords(reply, engine, cfg.StopWords, opts)
	}
	logger.Infow("Serving pause-detecting utterance echo")
	return pause.NewReplyOnPause(reply, opts...)
}
