package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

type Config struct {
	ServerAddr         string
	DatabaseDSN        string
	RedisURL           string
	AppointmentSvcURL  string
	AppointmentTimeout time.Duration
	SigningKey         []byte
	AllowedOrigins     []string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, appointmentSvcURL, base64Secret, redisURL string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if appointmentSvcURL == "" {
		return nil, fmt.Errorf("appointment service URL cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:         serverAddr,
		DatabaseDSN:        databaseDSN,
		RedisURL:           redisURL,
		AppointmentSvcURL:  appointmentSvcURL,
		AppointmentTimeout: 5 * time.Second,
		SigningKey:         signingKey,
		AllowedOrigins:     allowedOrigins,
	}, nil
}
