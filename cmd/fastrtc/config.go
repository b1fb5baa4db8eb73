package main

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AppConfig is the server configuration, read from .env or the environment.
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogFile  string `mapstructure:"log_file"`

	Modality string `mapstructure:"modality" validate:"required"`
	Mode     string `mapstructure:"mode" validate:"required"`

	ConcurrencyLimit int `mapstructure:"concurrency_limit"`
	TimeLimitSeconds int `mapstructure:"time_limit_s"`

	VADModelPath string   `mapstructure:"vad_model_path"`
	WhisperHost  string   `mapstructure:"whisper_host"`
	StopWords    []string `mapstructure:"stop_words"`

	TURNServerURL        string `mapstructure:"turn_server_url"`
	TURNServerUsername   string `mapstructure:"turn_server_username"`
	TURNServerCredential string `mapstructure:"turn_server_credential"`
}

// InitConfig reads configuration from .env (or ENV_PATH) with environment
// overrides.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("No config file found, reading from environment variables.")
	}
	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "fastrtc")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8000)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("MODALITY", "audio")
	v.SetDefault("MODE", "send-receive")

	v.SetDefault("CONCURRENCY_LIMIT", 0)
	v.SetDefault("TIME_LIMIT_S", 0)

	v.SetDefault("VAD_MODEL_PATH", "")
	v.SetDefault("WHISPER_HOST", "")
	v.SetDefault("STOP_WORDS", "")

	v.SetDefault("TURN_SERVER_URL", "")
	v.SetDefault("TURN_SERVER_USERNAME", "")
	v.SetDefault("TURN_SERVER_CREDENTIAL", "")
}

// GetApplicationConfig unmarshals and validates the app config.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
