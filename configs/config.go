package configs

import (
	"log/slog"
	"net"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/kelseyhightower/envconfig"

	"video-transformer/internal/ffmpeg"
	"video-transformer/internal/pipeline"
)

type MinioEnvs struct {
	Endpoint  string `envconfig:"endpoint"`
	Port      string `envconfig:"port" default:"9000"`
	AccessKey string `envconfig:"accesskey"`
	SecretKey string `envconfig:"secretkey"`
	Bucket    string `envconfig:"bucket" default:"snapshots"`
	SSL       bool   `envconfig:"ssl"`
}

// Enabled reports whether snapshot uploads are configured.
func (me *MinioEnvs) Enabled() bool {
	return me.Endpoint != ""
}

type EnvVariables struct {
	ServerHost      string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	ServerPort      string        `envconfig:"SERVER_PORT" default:"8585"`
	StaticDir       string        `envconfig:"STATIC_DIR" default:"./static"`
	CertFile        string        `envconfig:"CERT_FILE"`
	KeyFile         string        `envconfig:"KEY_FILE"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	ICEServers      []string      `envconfig:"ICE_SERVERS"`

	FfmpegPath       string        `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	FrameWidth       int           `envconfig:"FRAME_WIDTH" default:"640"`
	FrameHeight      int           `envconfig:"FRAME_HEIGHT" default:"480"`
	FrameRate        int           `envconfig:"FRAME_RATE" default:"30"`
	VideoBitrate     int           `envconfig:"VIDEO_BITRATE" default:"1000000"`
	KeyframeInterval time.Duration `envconfig:"KEYFRAME_INTERVAL" default:"3s"`
}

func (ev *EnvVariables) Addr() string {
	return net.JoinHostPort(ev.ServerHost, ev.ServerPort)
}

// TLS reports whether both a certificate and a key were given.
func (ev *EnvVariables) TLS() bool {
	return ev.CertFile != "" && ev.KeyFile != ""
}

// SlogLevel parses LOG_LEVEL, falling back to info.
func (ev *EnvVariables) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(ev.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (ev *EnvVariables) FFmpeg() ffmpeg.Config {
	return ffmpeg.Config{
		Path: ev.FfmpegPath,
		Geometry: ffmpeg.Geometry{
			Width:     ev.FrameWidth,
			Height:    ev.FrameHeight,
			FrameRate: ev.FrameRate,
		},
		Bitrate:       ev.VideoBitrate,
		KeyframeEvery: int(ev.KeyframeInterval.Seconds() * float64(ev.FrameRate)),
	}
}

type ModelEnvs struct {
	CascadePath   string  `envconfig:"CASCADE_PATH"`
	MaskPath      string  `envconfig:"MASK_PATH"`
	AgeGenderPath string  `envconfig:"AGE_GENDER_PATH"`
	ScaleFactor   float64 `envconfig:"SCALE_FACTOR" default:"1.1"`
	MinNeighbors  int     `envconfig:"MIN_NEIGHBORS" default:"4"`
}

func (me *ModelEnvs) DetectParams() pipeline.DetectParams {
	return pipeline.DetectParams{ScaleFactor: me.ScaleFactor, MinNeighbors: me.MinNeighbors}
}

type MqttEnvs struct {
	Broker   string `envconfig:"BROKER"`
	ClientID string `envconfig:"CLIENT_ID" default:"video-transformer"`
	Topic    string `envconfig:"TOPIC" default:"video-transformer/detections"`
	QoS      byte   `envconfig:"QOS" default:"0"`
}

func (me *MqttEnvs) Enabled() bool {
	return me.Broker != ""
}

type ExternalAuthService struct {
	VerificationEndpoint string        `envconfig:"ENDPOINT_VERIFY_TOKEN"`
	CookieName           string        `envconfig:"COOKIE_NAME" default:"token"`
	Timeout              time.Duration `envconfig:"TIMEOUT" default:"5s"`
}

func (as *ExternalAuthService) Enabled() bool {
	return as.VerificationEndpoint != ""
}

func MustConfig() *EnvVariables {
	var ev EnvVariables
	err := envconfig.Process("", &ev)
	if err != nil {
		panic(err)
	}
	return &ev
}

func MustConfigModels() *ModelEnvs {
	var me ModelEnvs
	err := envconfig.Process("model", &me)
	if err != nil {
		panic(err)
	}
	return &me
}

func MustConfigMinio() *MinioEnvs {
	var me MinioEnvs
	err := envconfig.Process("minio", &me)
	if err != nil {
		panic(err)
	}
	return &me
}

func MustConfigMqtt() *MqttEnvs {
	var me MqttEnvs
	err := envconfig.Process("mqtt", &me)
	if err != nil {
		panic(err)
	}
	return &me
}

func MustConfigAuthService() *ExternalAuthService {
	var as ExternalAuthService
	err := envconfig.Process("auth", &as)
	if err != nil {
		panic(err)
	}
	return &as
}
