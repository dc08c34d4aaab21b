package config

import (
	"os"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LLM      LLMConfig
	Server   ServerConfig
	History  HistoryConfig
	Image    ImageConfig
	LogLevel string `mapstructure:"log_level"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider       string `mapstructure:"provider"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// HistoryConfig holds the chat persistence configuration
type HistoryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// ImageConfig holds the image generation defaults
type ImageConfig struct {
	Size string `mapstructure:"size"`
	N    int    `mapstructure:"n"`
}

// Load loads the configuration from config.yaml, or from the file named by
// the CONFIG_PATH environment variable when set.
func Load() (*Config, error) {
	v := viper.New()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("history.db_path", "botforge.db")
	v.SetDefault("image.size", "1024x1024")
	v.SetDefault("image.n", 1)
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
