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

package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/redis/rueidis"
	"github.com/redis/rueidis/rueidisotel"
)

const defaultPingTimeout = 5 * time.Second

// NewRueidisClient builds a rueidis.Client from cfg and PINGs it so a bad
// URL fails at startup rather than on the first webhook.
//
// Client-side caching is disabled: the replay guard only issues SET NX and
// DEL, neither of which is cacheable.
func NewRueidisClient(ctx context.Context, cfg RedisConfig) (rueidis.Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("rueidis: URL must not be empty")
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rueidis: parse url: %w", err)
	}
	if u.Scheme == "redis" {
		if cfg.RequireTLS {
			return nil, errors.New("rueidis: RequireTLS=true but URL uses redis:// (plaintext); use rediss://")
		}
		if cfg.SkipTLSVerify {
			slog.Warn("rueidis: redis:// URL disables TLS even though SkipTLSVerify is set",
				slog.String("host", u.Hostname()),
			)
		}
	}

	opt, err := rueidis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rueidis: %w", err)
	}
	opt.ClientName = cfg.ClientName
	opt.DisableRetry = cfg.DisableRetry
	opt.DisableCache = true
	if cfg.ConnWriteTimeout > 0 {
		opt.ConnWriteTimeout = cfg.ConnWriteTimeout
	}
	if cfg.SkipTLSVerify {
		if opt.TLSConfig == nil {
			opt.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		} else {
			tc := opt.TLSConfig.Clone()
			tc.InsecureSkipVerify = true //nolint:gosec
			opt.TLSConfig = tc
		}
	}

	var cli rueidis.Client
	if cfg.EnableOtel {
		cli, err = rueidisotel.NewClient(opt)
	} else {
		cli, err = rueidis.NewClient(opt)
	}
	if err != nil {
		slog.ErrorContext(ctx, "error during rueidis init", slog.Any("error", err))
		return nil, err
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := cli.Do(pingCtx, cli.B().Ping().Build()).Error(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("rueidis: ping: %w", err)
	}

	slog.InfoContext(ctx, "rueidis: connected",
		slog.String("mode", string(cli.Mode())),
		slog.String("client_name", cfg.ClientName),
	)
	return cli, nil
}
