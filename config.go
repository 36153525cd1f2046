package main

import (
	"os"
	"strconv"
)

// Config collects runtime settings from the environment. Every field has a
// development default so the server starts with no configuration at all.
type Config struct {
	Addr          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	JWTSecret     string
	LogPath       string
	DailyReward   int64
}

func loadConfig() Config {
	return Config{
		Addr:          envString("ADDR", ":8080"),
		RedisAddr:     envString("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: envString("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),
		JWTSecret:     envString("JWT_SECRET", "dev-secret-change-me"),
		LogPath:       envString("LOG_PATH", "logs/server.log"),
		DailyReward:   int64(envInt("DAILY_REWARD_COINS", 5)),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
