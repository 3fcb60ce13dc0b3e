package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPPort  string `env:"HTTP_PORT" envDefault:"8080"`
	HTTPSPort string `env:"HTTPS_PORT" envDefault:"8443"`
	Domain    string `env:"DOMAIN" envDefault:"localhost"`
	HTTPOnly  bool   `env:"HTTP_ONLY"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	TURNEnabled  bool   `env:"TURN_ENABLED" envDefault:"true"`
	TURNPort     int    `env:"TURN_PORT" envDefault:"3478"`
	TURNRealm    string `env:"TURN_REALM" envDefault:"meshcall"`
	TURNUsername string `env:"TURN_USERNAME"`
	TURNPassword string `env:"TURN_PASSWORD"`

	DBPath string `env:"DB_PATH" envDefault:"meshcall.db"`

	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `env:"VAPID_SUBJECT" envDefault:"mailto:admin@meshcall.local"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
