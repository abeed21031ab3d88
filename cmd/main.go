// Command transform runs a pipeline mode over a recorded video file and
// writes the annotated result as WebM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"video-transformer/configs"
	"video-transformer/external/opencv"
	"video-transformer/internal/ffmpeg"
	"video-transformer/internal/frame"
	"video-transformer/internal/pipeline"
	"video-transformer/internal/track"

	_ "github.com/joho/godotenv/autoload"
)

// fileSource numbers decoded frames in a 1/fps time base.
type fileSource struct {
	dec *ffmpeg.Decoder
	cfg ffmpeg.Config
	n   int64
}

func (s *fileSource) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := s.dec.ReadRaw()
	if err != nil {
		return nil, err
	}
	g := s.cfg.Geometry
	f, err := frame.New(raw, g.Width, g.Height, frame.BGR24, s.n, frame.TimeBase{Num: 1, Den: int64(g.FrameRate)})
	s.n++
	return f, err
}

func (s *fileSource) Close() error { return s.dec.Close() }

type fileSink struct {
	enc *ffmpeg.Encoder
}

func (s *fileSink) WriteFrame(f *frame.Frame) error { return s.enc.WriteRaw(f.Data()) }

func main() {
	input := flag.String("input", "", "video file to read")
	output := flag.String("output", "out.webm", "WebM file to write")
	mode := flag.String("mode", string(pipeline.ModeDetectAll), "pipeline mode")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{AddSource: true}))
	if *input == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*input, *output, *mode, logger); err != nil {
		logger.Error("transform failed", "err", err)
		os.Exit(1)
	}
}

func run(input, output, mode string, logger *slog.Logger) error {
	envs := configs.MustConfig()
	modelConfig := configs.MustConfigModels()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	models, err := loadModels(modelConfig)
	if err != nil {
		return err
	}
	p, err := pipeline.NewCatalog(models).Pipeline(mode, pipeline.WithLogger(logger))
	if err != nil {
		return err
	}

	cfg := envs.FFmpeg()
	dec, err := ffmpeg.NewFileDecoder(ctx, cfg, input, logger)
	if err != nil {
		return err
	}
	enc, err := ffmpeg.NewFileEncoder(ctx, cfg, output, logger)
	if err != nil {
		dec.Close()
		return err
	}

	t := track.New("file", &fileSource{dec: dec, cfg: cfg}, p, &fileSink{enc: enc}, track.WithLogger(logger))
	runErr := t.Run(ctx)

	enc.CloseInput()
	<-enc.Done()
	if runErr != nil {
		return runErr
	}
	if err := enc.Err(); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	logger.Info("transform finished", "mode", p.Mode(), "frames", t.Frames(), "output", output)
	return nil
}

// loadModels opens the configured models. Unlike the server, a model that is
// configured but fails to load is fatal.
func loadModels(cfg *configs.ModelEnvs) (pipeline.Models, error) {
	models := pipeline.Models{Detect: cfg.DetectParams()}
	if cfg.CascadePath != "" {
		d, err := opencv.NewCascadeDetector(cfg.CascadePath)
		if err != nil {
			return models, err
		}
		models.Detector = d
	}
	if cfg.MaskPath != "" {
		m, err := opencv.NewNetModel(cfg.MaskPath)
		if err != nil {
			return models, err
		}
		models.Mask = m
	}
	if cfg.AgeGenderPath != "" {
		m, err := opencv.NewNetModel(cfg.AgeGenderPath)
		if err != nil {
			return models, err
		}
		models.AgeGender = m
	}
	return models, nil
}
