package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"csvwizard/filestore"
	"csvwizard/obs"
	"csvwizard/procapi"
	"csvwizard/redislock"
	"csvwizard/store"
	"csvwizard/upload"
	"csvwizard/wizard"
)

func main() {
	// .env is for local dev; in k8s everything comes from the pod env.
	_ = godotenv.Load()

	shutdownObs, logger := obs.Init("csvwizard-api")
	defer func() { _ = shutdownObs(context.Background()) }()

	backendBase := strings.TrimSpace(os.Getenv("BACKEND_BASE_URL"))
	if backendBase == "" {
		log.Fatalf("BACKEND_BASE_URL is empty")
	}
	api := procapi.New(backendBase, os.Getenv("BACKEND_CSRF_TOKEN"))

	tmpRoot := readEnvDefault("TMP_ROOT", "./tmp")
	files, err := filestore.NewFromEnv(tmpRoot)
	if err != nil {
		log.Fatalf("init filestore failed: %v", err)
	}
	if files.OSSEnabled() {
		logger.Info("filestore: oss mirroring enabled", "bucket", strings.TrimSpace(os.Getenv("OSS_BUCKET")))
	}

	// Redis is optional: without it sessions are pod-local and a restart
	// loses them, which is fine for single-pod deployments.
	var sessions store.SessionStore = store.NewInMemorySessionStore()
	var lock *redislock.Client
	if redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
			DB:       readEnvIntDefault("REDIS_DB", 0),
		})
		rs, err := store.NewRedisSessionStore(rdb)
		if err != nil {
			log.Fatalf("init redis session store failed: %v", err)
		}
		sessions = rs
		lock = redislock.New(rdb, readEnvDefault("WIZARD_LOCK_PREFIX", "pw:lock:uploadsession:"))
	}

	coord := upload.NewCoordinator(api, upload.DefaultPollInterval)
	ctrl := wizard.NewController(sessions, api, files, coord, lock)
	svc := wizard.NewService(ctrl, files, tmpRoot)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	svc.RegisterRoutes(mux)

	addr := ":" + readEnvDefault("PORT", "8080")
	logger.Info("csvwizard api listening", "addr", addr)
	// Wrap order: cors -> otel/metrics -> mux
	handler := corsMiddleware(obs.WrapHTTP("csvwizard-api", mux))
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func corsMiddleware(next http.Handler) http.Handler {
	allowOrigin := readEnvDefault("CORS_ALLOW_ORIGIN", "http://localhost:5173")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
