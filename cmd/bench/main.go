// README: Smoke, race and load checks against a running cabcore API. Storage
// and auth settings come from the API's own CAB_* environment; flags only
// cover what the bench adds.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"cabcore/internal/config"
	"cabcore/internal/logging"
)

type Config struct {
	BaseURL        string
	DSN            string
	RedisAddr      string
	JWTSecret      string
	JWTIssuer      string
	MigrationPath  string
	ApplyMigration bool
	Strict         bool
	Timeout        time.Duration
	Concurrency    int
	Duration       time.Duration
}

func main() {
	os.Exit(run())
}

func run() int {
	log, err := logging.New(logging.Config{Level: "info", Format: "text", Output: "stderr"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	api, err := config.Load()
	if err != nil {
		log.WithError(err).Error("load CAB_* settings")
		return 2
	}
	if api.Auth.Mode != config.AuthModeJWT {
		log.WithField("auth_mode", api.Auth.Mode).Error("bench mints HS256 tokens and needs CAB_AUTH_MODE=jwt")
		return 2
	}

	cfg := Config{
		DSN:       api.DB.DSN,
		RedisAddr: api.Redis.Addr,
		JWTSecret: api.Auth.JWTSecret,
		JWTIssuer: api.Auth.JWTIssuer,
	}
	flag.StringVar(&cfg.BaseURL, "base-url", "http://localhost"+api.HTTP.Addr, "API base URL")
	flag.StringVar(&cfg.MigrationPath, "migration", "migrations/0001_init.sql", "migration SQL checked by the schema case")
	flag.BoolVar(&cfg.ApplyMigration, "apply-migration", false, "apply the migration before running")
	flag.BoolVar(&cfg.Strict, "strict", false, "treat skipped cases as failures")
	flag.DurationVar(&cfg.Timeout, "timeout", time.Minute, "overall deadline")
	flag.IntVar(&cfg.Concurrency, "concurrency", 20, "parallel callers in race and load cases")
	flag.DurationVar(&cfg.Duration, "duration", 10*time.Second, "fare estimate load window")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	bench, err := NewRunner(cfg)
	if err != nil {
		log.WithError(err).Error("build runner")
		return 2
	}
	counts := map[string]int{}
	for _, r := range bench.RunAll(ctx) {
		counts[r.Status]++
	}
	log.WithFields(logrus.Fields{
		"pass": counts["PASS"],
		"fail": counts["FAIL"],
		"skip": counts["SKIP"],
	}).Info("bench finished")

	if counts["FAIL"] > 0 || (cfg.Strict && counts["SKIP"] > 0) {
		return 1
	}
	return 0
}
