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

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	certremote "wxpay/core/certificate/adapters/remote"
	certdomain "wxpay/core/certificate/domain"
	notifyredis "wxpay/core/notification/adapters/persistence/redis"
	notifyrest "wxpay/core/notification/adapters/rest"
	notifydomain "wxpay/core/notification/domain"
	"wxpay/modules/appconfig"
	"wxpay/modules/authheader"
	"wxpay/modules/clock"
	"wxpay/modules/credential"
	"wxpay/modules/db/redis"
	"wxpay/modules/gateway"
	"wxpay/modules/middleware"
	mwratelimit "wxpay/modules/middleware/ratelimit"
	"wxpay/modules/ratelimit"
	"wxpay/modules/server"
	"wxpay/modules/telemetry"
)

func main() {
	exitCode := 0
	defer func() {
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	}()

	// cancel the context when these signals occur
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer cancel()

	// --- application config ----
	appConfig, err := appconfig.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// manual dependency injection, no DI framework
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: appConfig.LogLevel}))
	slog.SetDefault(logger)

	clk := clock.RealClockProvider()

	// --- telemetry ---
	otelShutdown, err := telemetry.Init(ctx, appConfig.Otel)
	if err != nil {
		slog.ErrorContext(ctx, "telemetry not properly configured", slog.Any("error", err))
		exitCode = 1
		return
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			slog.ErrorContext(ctx, "telemetry shutdown error", slog.Any("error", err))
		}
	}()

	payMetrics, err := telemetry.NewPayMetrics()
	if err != nil {
		slog.WarnContext(ctx, "failed to initialize payment metrics, continuing without metrics", slog.Any("error", err))
		payMetrics = nil
	}

	httpMetrics, err := telemetry.NewHTTPMetrics(appConfig.Otel.ServiceName)
	if err != nil {
		slog.WarnContext(ctx, "failed to initialize HTTP metrics, continuing without metrics", slog.Any("error", err))
		httpMetrics = nil
	}

	// --- merchant credential + gateway client ---
	cred, err := credential.Load(appConfig.Merchant)
	if err != nil {
		slog.ErrorContext(ctx, "merchant credential invalid", slog.Any("error", err))
		exitCode = 1
		return
	}

	baseURL, err := gateway.TrimBase(appConfig.Gateway.BaseURL)
	if err != nil {
		slog.ErrorContext(ctx, "gateway base url invalid", slog.Any("error", err))
		exitCode = 1
		return
	}

	// the certificate download bootstraps verification, so this client
	// does not verify response signatures
	gatewayClient := gateway.New(cred,
		gateway.WithBaseURL(baseURL),
		gateway.WithDoer(&http.Client{Timeout: appConfig.Gateway.HTTPTimeout}),
		gateway.WithBuilder(authheader.NewBuilder(authheader.WithClock(clk))),
		gateway.WithMetrics(payMetrics),
		gateway.WithLogger(logger.With(slog.String("component", "gateway"))),
	)

	// --- platform certificates ---
	store := certdomain.NewStore(
		certremote.NewFetcher(gatewayClient,
			certremote.WithMetrics(payMetrics),
			certremote.WithLogger(logger.With(slog.String("component", "certificates"))),
		),
		certdomain.WithClock(clk),
		certdomain.WithFetchTimeout(appConfig.Gateway.CertFetchTimeout),
		certdomain.WithMetrics(payMetrics),
		certdomain.WithLogger(logger.With(slog.String("component", "certificates"))),
	)

	// a failed initial load is not fatal: webhooks are rejected (and retried
	// by the gateway) until the refresher succeeds
	if err := store.AutoLoad(ctx); err != nil {
		slog.ErrorContext(ctx, "initial platform certificate load failed", slog.Any("error", err))
	}
	go store.RunRefresher(ctx, appConfig.Gateway.CertRefreshInterval)

	verifier := notifydomain.NewVerifier(store,
		notifydomain.WithVerifierClock(clk),
		notifydomain.WithMaxSkew(appConfig.Notify.MaxSkew),
		notifydomain.WithVerifierMetrics(payMetrics),
		notifydomain.WithVerifierLogger(logger.With(slog.String("component", "notify"))),
	)

	// --- replay guard ---
	apiOpts := []notifyrest.Option{
		notifyrest.WithMaxBodyBytes(appConfig.Notify.MaxBodyBytes),
		notifyrest.WithLogger(logger.With(slog.String("component", "notify"))),
	}
	if appConfig.Redis.Enabled() {
		redisClient, err := redis.NewRueidisClient(ctx, appConfig.Redis)
		if err != nil {
			slog.ErrorContext(ctx, "redis not properly setup", slog.Any("error", err))
			exitCode = 1
			return
		}
		defer redisClient.Close()

		apiOpts = append(apiOpts, notifyrest.WithDeduplicator(notifyredis.NewDeduplicator(redisClient,
			notifyredis.WithKeyPrefix(appConfig.Redis.KeyPrefix),
			notifyredis.WithTTL(appConfig.Notify.DedupeTTL),
			notifyredis.WithLeaseTTL(appConfig.Notify.DedupeLease),
			notifyredis.WithClock(clk),
		)))
	} else {
		slog.WarnContext(ctx, "REDIS_URL not set, notification replay guard disabled")
	}

	// --- webhook server ---
	var notifyAPI http.Handler = notifyrest.NewNotifyAPI(verifier, cred.APIv3Key, notifydomain.HandlerFunc(logNotification), apiOpts...)
	if appConfig.Notify.RateLimit > 0 {
		notifyAPI = mwratelimit.New(mwratelimit.Policy{
			Limiter: ratelimit.NewTokenBucket(clk, appConfig.Notify.RateLimit, appConfig.Notify.RateBurst),
			KeyFn:   mwratelimit.RemoteIPKeyFunc,
			Reject:  notifyrest.RejectLimited,
		})(notifyAPI)
	}
	notifySvc := notifyrest.NewNotifyService(appConfig.Notify.Path, notifyAPI, func() bool {
		_, ok := store.Newest()
		return ok
	})

	srv, err := server.New(
		appConfig.HTTP.Host, appConfig.HTTP.Port,
		server.WithReadTimeout(appConfig.HTTP.ReadTimeout),
		server.WithWriteTimeout(appConfig.HTTP.WriteTimeout),
		server.WithShutdownTimeout(appConfig.HTTP.ShutdownTimeout),
		server.WithServices(notifySvc),
		server.WithGlobalMiddlewares(
			middleware.Telemetry(httpMetrics),
		),
	)
	if err != nil {
		slog.ErrorContext(ctx, "init server error", slog.Any("error", err))
		exitCode = 1
		return
	}

	if err := srv.Run(ctx); err != nil {
		slog.ErrorContext(ctx, "running server error", slog.Any("error", err))
		exitCode = 1
		return
	}
}

// logNotification is the default business handler: it records the outcome.
// Deployments embedding this service replace it with their order ledger.
func logNotification(ctx context.Context, env notifydomain.Envelope, n notifydomain.DecryptedNotification) error {
	switch v := n.(type) {
	case *notifydomain.PaymentResult:
		slog.InfoContext(ctx, "payment result",
			slog.String("notification_id", env.ID),
			slog.String("out_trade_no", v.OutTradeNo),
			slog.String("transaction_id", v.TransactionID),
			slog.String("trade_state", v.TradeState),
			slog.Int64("total", v.Amount.Total),
		)
	case *notifydomain.RefundResult:
		slog.InfoContext(ctx, "refund result",
			slog.String("notification_id", env.ID),
			slog.String("out_refund_no", v.OutRefundNo),
			slog.String("refund_status", v.RefundStatus),
			slog.Int64("refund", v.Amount.Refund),
		)
	}
	return nil
}
