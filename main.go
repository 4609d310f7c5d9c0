package main

import (
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/danielbech/machi-os-sub000/api"
	"github.com/danielbech/machi-os-sub000/board"
	"github.com/danielbech/machi-os-sub000/feed"
	"github.com/danielbech/machi-os-sub000/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTableName := os.Getenv("TASKS_TABLE")
	foldersTableName := os.Getenv("FOLDERS_TABLE")
	settingsTableName := os.Getenv("SETTINGS_TABLE")
	if connStr == "" || tasksTableName == "" || foldersTableName == "" || settingsTableName == "" {
		log.Fatal("missing storage config")
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	publisher := feed.NewPublisher(rc, logger)
	gw, err := storage.New(connStr, tasksTableName, foldersTableName, settingsTableName, publisher, logger)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	cacheTTL := 5 * time.Minute
	if v := os.Getenv("COLLECTION_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			log.Fatalf("invalid COLLECTION_CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}
	cached := storage.NewCache(gw, rc, cacheTTL)

	cfg := board.DefaultConfig()
	if v := os.Getenv("SUPPRESSION_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid SUPPRESSION_WINDOW: %v", err)
		}
		cfg.SuppressionWindow = d
	}
	if v := os.Getenv("RECONCILE_DEBOUNCE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid RECONCILE_DEBOUNCE: %v", err)
		}
		cfg.ReconcileDebounce = d
	}
	if v := os.Getenv("ROLLOVER_CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid ROLLOVER_CHECK_INTERVAL: %v", err)
		}
		cfg.RolloverCheckInterval = d
	}

	subscriber := feed.NewSubscriber(rc, logger)
	manager := board.NewManager(cached, subscriber, cfg, logger)
	defer manager.Close()

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, "X-Board-Scope"},
	}))
	api.Register(e, manager, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}
