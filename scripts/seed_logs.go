//go:build ignore

// seed_logs posts sample log records and a few triggers to a running
// Argus Logs instance.
//
//	go run scripts/seed_logs.go -url http://localhost:8080
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/gofiber/fiber/v2"
)

var (
	services = []string{"payment-service", "checkout", "catalog", "auth"}
	hosts    = []string{"prod-server-01", "prod-server-02", "prod-server-03"}
	levels   = []string{"DEBUG", "INFO", "INFO", "INFO", "WARN", "ERROR", "FATAL"}
	messages = []string{
		"request completed",
		"upstream timeout after 30s",
		"connection refused by database",
		"cache miss for key",
		"retrying payment authorization",
		"user session expired",
	}
)

func fetchLogs(n int) []map[string]interface{} {
	now := time.Now().UTC()
	logs := make([]map[string]interface{}, 0, n)
	for i := 0; i < n; i++ {
		logs = append(logs, map[string]interface{}{
			"timestamp":   now.Add(-time.Duration(rand.Intn(3600)) * time.Second).Format(time.RFC3339),
			"level":       levels[rand.Intn(len(levels))],
			"message":     messages[rand.Intn(len(messages))],
			"source":      services[rand.Intn(len(services))],
			"host":        hosts[rand.Intn(len(hosts))],
			"application": "shop",
			"environment": "production",
			"metadata":    map[string]interface{}{"request_id": fmt.Sprintf("req-%06d", i)},
		})
	}
	return logs
}

func fetchTriggers() []map[string]interface{} {
	return []map[string]interface{}{
		{"rule_id": "error-rate", "source": "payment-service", "message": "error rate above 5%", "severity": "CRITICAL"},
		{"rule_id": "error-rate", "source": "checkout", "message": "error rate above 5%", "severity": "HIGH"},
		{"rule_id": "latency", "source": "catalog", "message": "p99 latency above 2s", "severity": "MEDIUM"},
	}
}

func post(url string, body interface{}) {
	code, resp, errs := fiber.Post(url).JSON(body).Timeout(10 * time.Second).Bytes()
	if len(errs) > 0 {
		log.Fatalf("Error posting to %s: %s", url, errs[0])
	}
	log.Printf("[%d] %s %s", code, url, resp)
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Argus Logs base URL")
	count := flag.Int("logs", 200, "number of log records to ingest")
	flag.Parse()

	post(*baseURL+"/v1/logs", fetchLogs(*count))

	for _, t := range fetchTriggers() {
		post(*baseURL+"/v1/triggers", t)
	}
}
