package config

import (
	"os"
	"time"
)

// RTCConfig carries the media-network credentials and gateway endpoint.
// AppID and AppCertificate may be left empty here; the token issuer surfaces
// a configuration error at issue time so the failure reaches the caller.
type RTCConfig struct {
	AppID          string
	AppCertificate string
	GatewayURL     string
	JoinTimeout    time.Duration
}

func LoadRTC() RTCConfig {
	cfg := RTCConfig{
		AppID:          os.Getenv("RTC_APP_ID"),
		AppCertificate: os.Getenv("RTC_APP_CERTIFICATE"),
		GatewayURL:     os.Getenv("RTC_GATEWAY_URL"),
		JoinTimeout:    30 * time.Second,
	}
	if v := os.Getenv("RTC_JOIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.JoinTimeout = d
		}
	}
	return cfg
}
