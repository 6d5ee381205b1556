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

import "time"

// RedisConfig configures the rueidis client behind the notification replay
// guard. An empty URL disables the guard.
//
// URL is a standard Redis URI, for example:
//
//   - Single:  redis://:password@localhost:6379/0
//   - TLS:     rediss://:password@my-redis.example.com:6379/0
//   - Cluster: redis://:password@host1:6379/0?addr=host2:6379&addr=host3:6379
type RedisConfig struct {
	URL string `env:"URL"`

	// visible in CLIENT LIST
	ClientName string `env:"CLIENT_NAME" envDefault:"wxpay-notify"`

	// KeyPrefix scopes every key, e.g. "wxpay:prod:".
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"wxpay:"`

	// SkipTLSVerify disables TLS certificate verification. Only use this in trusted
	// environments (e.g. some AWS ElastiCache setups with non-standard certs).
	SkipTLSVerify bool `env:"SKIP_TLS_VERIFY"`

	// RequireTLS rejects redis:// URLs.
	RequireTLS bool `env:"REQUIRE_TLS"`

	DisableRetry     bool          `env:"DISABLE_RETRY"`
	ConnWriteTimeout time.Duration `env:"CONN_WRITE_TIMEOUT"`
	PingTimeout      time.Duration `env:"PING_TIMEOUT" envDefault:"5s"`

	// wrap the client with rueidisotel
	EnableOtel bool `env:"ENABLE_OTEL" envDefault:"true"`
}

// Enabled reports whether a Redis URL was configured.
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}
