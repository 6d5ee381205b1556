// Copyright 2025 Nhat-Nguyen Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package appconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wxpay/modules/credential"
	"wxpay/modules/db/redis"
	"wxpay/modules/telemetry"

	"github.com/caarlos0/env/v11"
)

type (
	Config struct {
		Env      string     `env:"ENV" envDefault:"dev"`
		LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"info"`

		// --- payment gateway ----
		Merchant credential.MerchantConfig `envPrefix:"WECHATPAY_"`
		Gateway  GatewayConfig             `envPrefix:"WECHATPAY_"`

		// --- webhook server ----
		HTTP   HTTPConfig   `envPrefix:"HTTP_"`
		Notify NotifyConfig `envPrefix:"NOTIFY_"`

		// --- core infra ----
		Redis redis.RedisConfig `envPrefix:"REDIS_"`

		// --- otel ----
		// since it has special naming conventions, we do not use prefix here
		Otel telemetry.Config
	}

	GatewayConfig struct {
		BaseURL             string        `env:"BASE_URL" envDefault:"https://api.mch.weixin.qq.com"`
		HTTPTimeout         time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
		CertRefreshInterval time.Duration `env:"CERT_REFRESH_INTERVAL" envDefault:"12h"`
		CertFetchTimeout    time.Duration `env:"CERT_FETCH_TIMEOUT" envDefault:"30s"`
	}

	HTTPConfig struct {
		Host            string        `env:"HOST" envDefault:"0.0.0.0"`
		Port            int           `env:"PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
		WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
		ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	}

	NotifyConfig struct {
		Path         string        `env:"PATH" envDefault:"/v3/notify"`
		MaxBodyBytes int64         `env:"MAX_BODY_BYTES" envDefault:"1048576"`
		MaxSkew      time.Duration `env:"MAX_SKEW" envDefault:"5m"`
		DedupeTTL    time.Duration `env:"DEDUPE_TTL" envDefault:"24h"`
		DedupeLease  time.Duration `env:"DEDUPE_LEASE" envDefault:"5m"`

		// per source IP; a zero rate disables the limiter
		RateLimit float64 `env:"RATE_LIMIT" envDefault:"50"`
		RateBurst int     `env:"RATE_BURST" envDefault:"100"`
	}
)

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(c *Config) error {
	var errs []error
	if c.Merchant.PrivateKey == "" && c.Merchant.PrivateKeyPath == "" {
		errs = append(errs, errors.New("one of WECHATPAY_PRIVATE_KEY or WECHATPAY_PRIVATE_KEY_PATH is required"))
	}
	if !strings.HasPrefix(c.Notify.Path, "/") {
		errs = append(errs, fmt.Errorf("NOTIFY_PATH %q must start with /", c.Notify.Path))
	}
	if c.Gateway.CertRefreshInterval < 0 {
		errs = append(errs, errors.New("WECHATPAY_CERT_REFRESH_INTERVAL must not be negative"))
	}
	if c.Notify.RateLimit < 0 {
		errs = append(errs, errors.New("NOTIFY_RATE_LIMIT must not be negative"))
	}
	if c.Env == "prod" && !strings.HasPrefix(c.Gateway.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("WECHATPAY_BASE_URL %q must be https in prod", c.Gateway.BaseURL))
	}
	return errors.Join(errs...)
}
