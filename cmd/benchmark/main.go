package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"
)

// firstAccount matches the seeder's numbering.
const firstAccount = 100_000_000_001

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accounts    int
	amount      string
	jwtSecret   string
	owner       string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	awaiting202   uint64 // Held for confirmation
	rejected422   uint64 // Insufficient funds, limits
	throttled429  uint64
	timeout503    uint64 // Lock wait exceeded
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&accounts, "accounts", 1000, "Number of seeded accounts")
	flag.StringVar(&amount, "amount", "1.00", "Amount per transfer")
	flag.StringVar(&jwtSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "HS256 secret shared with the API")
	flag.StringVar(&owner, "owner", "bench", "Owner of the seeded accounts")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   owner,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(duration + time.Minute)),
	}).SignedString([]byte(jwtSecret))
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		seed := int64(i)
		g.Go(func() error {
			worker(gctx, token, rand.New(rand.NewSource(time.Now().UnixNano()+seed)))
			return nil
		})
	}
	g.Wait()
	printResults(time.Since(start))
}

func worker(ctx context.Context, token string, rng *rand.Rand) {
	client := &http.Client{Timeout: 5 * time.Second}

	for ctx.Err() == nil {
		from, to := generateAccounts(rng)
		key := fmt.Sprintf("bench-%s-%s-%d", from, to, time.Now().UnixNano())

		payload := map[string]interface{}{
			"sender_account":   from,
			"receiver_account": to,
			"amount":           amount,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, targetURL+"/api/v1/transfers", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				atomic.AddUint64(&failOther, 1)
			}
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusAccepted:
			atomic.AddUint64(&awaiting202, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&rejected422, 1)
		case http.StatusTooManyRequests:
			atomic.AddUint64(&throttled429, 1)
		case http.StatusServiceUnavailable:
			atomic.AddUint64(&timeout503, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func accountNumber(i int) string {
	return fmt.Sprintf("%d", firstAccount+i)
}

func generateAccounts(rng *rand.Rand) (string, string) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic goes to the first two accounts
		if rng.Float32() < 0.90 {
			if rng.Float32() < 0.5 {
				return accountNumber(0), accountNumber(1)
			}
			return accountNumber(1), accountNumber(0)
		}
	}

	a := rng.Intn(accounts)
	b := rng.Intn(accounts)
	for a == b {
		b = rng.Intn(accounts)
	}
	return accountNumber(a), accountNumber(b)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	t503 := atomic.LoadUint64(&timeout503)

	tps := float64(total) / d.Seconds()
	abortRate := 0.0
	if total > 0 {
		abortRate = float64(t503) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":         workload,
		"duration_sec":     d.Seconds(),
		"total_requests":   total,
		"throughput_tps":   tps,
		"success_created":  atomic.LoadUint64(&success201),
		"success_replay":   atomic.LoadUint64(&success200),
		"awaiting_confirm": atomic.LoadUint64(&awaiting202),
		"rejected":         atomic.LoadUint64(&rejected422),
		"throttled":        atomic.LoadUint64(&throttled429),
		"aborts_lock_wait": t503,
		"abort_rate_pct":   abortRate,
		"errors":           atomic.LoadUint64(&failOther),
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
