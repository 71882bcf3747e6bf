// README: Benchmark cases; environment, ride lifecycle, exclusivity races and throughput checks.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"cabcore/internal/infra"
)

type Runner struct {
	cfg    Config
	httpc  *http.Client
	db     *pgxpool.Pool
	redis  *redis.Client
	tokens *infra.JWTVerifier
	// run keeps customer and driver ids unique across repeated runs.
	run string

	rideID    string
	startCode string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) (*Runner, error) {
	tokens, err := infra.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("bench needs -jwt-secret: %w", err)
	}
	return &Runner{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: 10 * time.Second},
		tokens: tokens,
		run:    fmt.Sprintf("%x", time.Now().UnixNano()),
	}, nil
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) customer(name string) string { return "customer:" + r.id("c-"+name) }
func (r *Runner) driver(name string) string   { return "driver:" + r.id("d-"+name) }

func (r *Runner) id(name string) string { return "bench-" + r.run + "-" + name }

// token mints a bearer token for "<role>:<uid>".
func (r *Runner) token(who string) string {
	role, uid, _ := strings.Cut(who, ":")
	t, err := r.tokens.Issue(uid, role, time.Hour)
	if err != nil {
		return ""
	}
	return t
}

var bookBody = map[string]any{
	"vehicle_class": "SEDAN",
	"pickup":        map[string]any{"lat": 12.9716, "lng": 77.5946, "address": "MG Road"},
	"dropoff":       map[string]any{"lat": 12.9352, "lng": 77.6245, "address": "Koramangala"},
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: "FAIL", Note: "db not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			return Result{Status: "PASS"}
		}},
		{Name: "Env: Redis connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: "FAIL", Note: "redis not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			return Result{Status: "PASS"}
		}},
		{Name: "Migration: apply (optional)", Run: func(ctx context.Context, r *Runner) Result {
			if !r.cfg.ApplyMigration {
				return Result{Status: "SKIP", Note: "apply-migration=false"}
			}
			if r.db == nil {
				return Result{Status: "FAIL", Note: "db not configured"}
			}
			sql, err := os.ReadFile(r.cfg.MigrationPath)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			for _, s := range splitSQL(string(sql)) {
				if _, err := r.db.Exec(ctx, s); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
			}
			return Result{Status: "PASS"}
		}},
		{Name: "Migration: tables exist", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: "FAIL", Note: "db not configured"}
			}
			tables, err := extractTables(r.cfg.MigrationPath)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			for _, t := range tables {
				var exists bool
				err := r.db.QueryRow(ctx,
					"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)", t,
				).Scan(&exists)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if !exists {
					return Result{Status: "FAIL", Note: "missing table: " + t}
				}
			}
			return Result{Status: "PASS"}
		}},

		expect("API: health", http.MethodGet, "/health", "", nil, http.StatusOK),
		expect("Auth: missing token -> 401", http.MethodPost, "/api/rides", "", bookBody, http.StatusUnauthorized),

		{Name: "Driver: register and go available", Run: func(ctx context.Context, r *Runner) Result {
			d := r.driver("1")
			steps := []struct {
				method, path string
				body         any
				want         int
			}{
				{http.MethodPost, "/api/drivers/me", map[string]any{"vehicle_class": "SEDAN", "capacity": 4}, http.StatusOK},
				{http.MethodPut, "/api/drivers/me/location", map[string]any{"lat": 12.9720, "lng": 77.5950}, http.StatusNoContent},
				{http.MethodPut, "/api/drivers/me/status", map[string]any{"status": "AVAILABLE"}, http.StatusOK},
			}
			for _, s := range steps {
				code, _, err := r.call(ctx, s.method, s.path, d, s.body)
				if err != nil || code != s.want {
					return Result{Status: "FAIL", Note: fmt.Sprintf("%s %s status=%d err=%v", s.method, s.path, code, err)}
				}
			}
			return Result{Status: "PASS"}
		}},
		expectAs("Driver: nearby search", http.MethodGet, "/api/drivers/nearby?lat=12.9716&lng=77.5946&vehicle_class=SEDAN", "1", nil, http.StatusOK),

		{Name: "Ride: book", Run: func(ctx context.Context, r *Runner) Result {
			start := time.Now()
			code, out, err := r.call(ctx, http.MethodPost, "/api/rides", r.customer("1"), bookBody)
			if err != nil || code != http.StatusCreated {
				return Result{Status: "FAIL", Note: fmt.Sprintf("status=%d err=%v", code, err)}
			}
			r.rideID, _ = out["id"].(string)
			r.startCode, _ = out["start_code"].(string)
			return Result{Status: "PASS", Latency: time.Since(start), Note: "ride=" + r.rideID}
		}},
		expectAs("Ride: duplicate booking -> 409", http.MethodPost, "/api/rides", "1", bookBody, http.StatusConflict),
		expectAs("Ride: missing fields -> 400", http.MethodPost, "/api/rides", "1", map[string]any{}, http.StatusBadRequest),
		rideStep("Ride: driver accept", "/accept", "1", nil, http.StatusOK),
		rideStep("Ride: other driver accept -> 409", "/accept", "2", nil, http.StatusConflict),
		rideStep("Ride: driver arrived", "/arrive", "1", nil, http.StatusOK),
		rideStep("Ride: wrong start code -> 409", "/start", "1", map[string]any{"start_code": "wrong"}, http.StatusConflict),
		{Name: "Ride: start with code", Run: func(ctx context.Context, r *Runner) Result {
			return r.expectRide(ctx, "/start", r.driver("1"), map[string]any{"start_code": r.startCode}, http.StatusOK)
		}},
		rideStep("Ride: location ping", "/location", "1", map[string]any{"lat": 12.9600, "lng": 77.6000}, http.StatusCreated),
		rideStep("Ride: complete", "/complete", "1", nil, http.StatusOK),
		{Name: "Ride: invoice issued", Run: func(ctx context.Context, r *Runner) Result {
			return r.expectRideGet(ctx, "/invoice", r.customer("1"), http.StatusOK)
		}},
		{Name: "Ride: customer rates driver", Run: func(ctx context.Context, r *Runner) Result {
			return r.expectRide(ctx, "/rate", r.customer("1"), map[string]any{"rating": 5, "feedback": "bench"}, http.StatusNoContent)
		}},
		{Name: "Ride: second rating -> 409", Run: func(ctx context.Context, r *Runner) Result {
			return r.expectRide(ctx, "/rate", r.customer("1"), map[string]any{"rating": 4}, http.StatusConflict)
		}},
		rideStep("Ride: completed cannot be cancelled", "/cancel", "1", map[string]any{"reason": "late"}, http.StatusConflict),

		{Name: "Concurrency: double booking", Run: concurrentBook},
		{Name: "Concurrency: multi accept same ride", Run: concurrentAccept},

		{Name: "Perf: fare estimate throughput", Run: func(ctx context.Context, r *Runner) Result {
			return r.perfLoad(ctx, "/api/fares/estimate", r.customer("perf"), bookBody)
		}},
	}
}

func expect(name, method, path, who string, body any, want int) TestCase {
	return TestCase{Name: name, Run: func(ctx context.Context, r *Runner) Result {
		start := time.Now()
		code, _, err := r.call(ctx, method, path, who, body)
		return verdict(code, want, err, time.Since(start))
	}}
}

// expectAs runs the request as bench customer n.
func expectAs(name, method, path, n string, body any, want int) TestCase {
	return TestCase{Name: name, Run: func(ctx context.Context, r *Runner) Result {
		start := time.Now()
		code, _, err := r.call(ctx, method, path, r.customer(n), body)
		return verdict(code, want, err, time.Since(start))
	}}
}

func rideStep(name, action, driver string, body any, want int) TestCase {
	return TestCase{Name: name, Run: func(ctx context.Context, r *Runner) Result {
		return r.expectRide(ctx, action, r.driver(driver), body, want)
	}}
}

func (r *Runner) expectRide(ctx context.Context, action, who string, body any, want int) Result {
	if r.rideID == "" {
		return Result{Status: "SKIP", Note: "no ride booked"}
	}
	start := time.Now()
	code, _, err := r.call(ctx, http.MethodPost, "/api/rides/"+r.rideID+action, who, body)
	return verdict(code, want, err, time.Since(start))
}

func (r *Runner) expectRideGet(ctx context.Context, action, who string, want int) Result {
	if r.rideID == "" {
		return Result{Status: "SKIP", Note: "no ride booked"}
	}
	start := time.Now()
	code, _, err := r.call(ctx, http.MethodGet, "/api/rides/"+r.rideID+action, who, nil)
	return verdict(code, want, err, time.Since(start))
}

func verdict(code, want int, err error, latency time.Duration) Result {
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if code != want {
		return Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("status=%d want=%d", code, want)}
	}
	return Result{Status: "PASS", Latency: latency, Note: fmt.Sprintf("status=%d", code)}
}

// call sends a JSON request as who ("<role>:<uid>", empty for anonymous).
func (r *Runner) call(ctx context.Context, method, path, who string, body any) (int, map[string]any, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if who != "" {
		req.Header.Set("Authorization", "Bearer "+r.token(who))
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, out, nil
}

// race fires n copies of send at once and counts 2xx responses.
func (r *Runner) race(n int, send func(i int) (int, error)) (succ, failed int) {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			code, err := send(i)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				return
			}
			if code >= 200 && code < 300 {
				succ++
			}
		}(i)
	}
	close(start)
	wg.Wait()
	return succ, failed
}

func concurrentBook(ctx context.Context, r *Runner) Result {
	who := r.customer("race-book")
	succ, failed := r.race(r.cfg.Concurrency, func(int) (int, error) {
		code, _, err := r.call(ctx, http.MethodPost, "/api/rides", who, bookBody)
		return code, err
	})
	if succ == 1 {
		return Result{Status: "PASS", Note: fmt.Sprintf("success=1 transport_errors=%d", failed)}
	}
	return Result{Status: "FAIL", Note: fmt.Sprintf("success=%d transport_errors=%d", succ, failed)}
}

func concurrentAccept(ctx context.Context, r *Runner) Result {
	code, out, err := r.call(ctx, http.MethodPost, "/api/rides", r.customer("race-accept"), bookBody)
	if err != nil || code != http.StatusCreated {
		return Result{Status: "FAIL", Note: fmt.Sprintf("book status=%d err=%v", code, err)}
	}
	id, _ := out["id"].(string)
	succ, failed := r.race(r.cfg.Concurrency, func(i int) (int, error) {
		code, _, err := r.call(ctx, http.MethodPost, "/api/rides/"+id+"/accept", r.driver(fmt.Sprintf("race-%d", i)), nil)
		return code, err
	})
	if succ == 1 {
		return Result{Status: "PASS", Note: fmt.Sprintf("success=1 transport_errors=%d", failed)}
	}
	return Result{Status: "FAIL", Note: fmt.Sprintf("success=%d transport_errors=%d", succ, failed)}
}

func (r *Runner) perfLoad(ctx context.Context, path, who string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		count, errCount int64
		mu              sync.Mutex
		wg              sync.WaitGroup
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				code, _, err := r.call(ctx, http.MethodPost, path, who, payload)
				mu.Lock()
				if err != nil || code >= 500 {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: "FAIL", Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: "PASS", Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
