package config

import (
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// Helper to get float64 env with default
func getEnvAsFloat64(log *zap.Logger, key string, fallback float64) float64 {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return fallback
	}
	val, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Warn("Invalid float64 for config, using default",
			zap.String("key", key), zap.String("value", valueStr), zap.Float64("default", fallback))
		return fallback
	}
	return val
}

func getEnvAsInt(log *zap.Logger, key string, fallback int) int {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return fallback
	}
	val, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Warn("Invalid int for config, using default",
			zap.String("key", key), zap.String("value", valueStr), zap.Int("default", fallback))
		return fallback
	}
	return val
}

func getEnvAsBool(log *zap.Logger, key string, fallback bool) bool {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return fallback
	}
	val, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Warn("Invalid bool for config, using default",
			zap.String("key", key), zap.String("value", valueStr), zap.Bool("default", fallback))
		return fallback
	}
	return val
}
