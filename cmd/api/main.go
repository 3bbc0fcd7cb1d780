package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"staffgate.org/internal/auth"
	"staffgate.org/internal/httpapi"
	"staffgate.org/internal/idp"
	"staffgate.org/internal/obs"
	"staffgate.org/internal/throttle"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("STAFFGATE_PG_DSN")
	if dsn == "" {
		log.Fatal("STAFFGATE_PG_DSN is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	codec, err := auth.NewCodec(os.Getenv("STAFFGATE_JWT_SECRET"),
		auth.WithIssuer(envOr("STAFFGATE_JWT_ISSUER", "staffgate")),
		auth.WithAccessTTL(envDuration("STAFFGATE_ACCESS_TTL")),
		auth.WithRefreshTTL(envDuration("STAFFGATE_REFRESH_TTL")),
	)
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}

	svcOpts := []auth.ServiceOption{
		auth.WithIdentityVerifier(idp.NewGoogleVerifier(
			idp.WithAudience(os.Getenv("STAFFGATE_GOOGLE_CLIENT_ID")),
		)),
	}
	if threshold := envInt("STAFFGATE_LOCKOUT_THRESHOLD"); threshold > 0 {
		policy := auth.DefaultLockoutPolicy()
		policy.Threshold = threshold
		if window := envDuration("STAFFGATE_LOCKOUT_WINDOW"); window > 0 {
			policy.Window = window
		}
		svcOpts = append(svcOpts, auth.WithLockoutPolicy(policy))
	}
	svc, err := auth.NewService(auth.NewPGStore(db), codec, svcOpts...)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	var limiter *throttle.Limiter
	if addr := os.Getenv("STAFFGATE_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("STAFFGATE_REDIS_PASSWORD"),
		})
		limiter = throttle.New(client, throttle.DefaultConfig())
	}

	api := httpapi.New(svc, limiter, httpapi.ReadyProbe{DB: db}, httpapi.Config{
		AllowedOrigins: splitCSV(os.Getenv("STAFFGATE_CORS_ORIGINS")),
	}, version)

	srv := &http.Server{
		Addr:              envOr("STAFFGATE_HTTP_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting staffgate-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("%s: invalid duration %q", key, v)
	}
	return d
}

func envInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s: invalid integer %q", key, v)
	}
	return n
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
