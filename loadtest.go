package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
)

// loadtest drives one dynamic endpoint with concurrent calls and prints
// throughput and latency percentiles.
func main() {
	target := flag.String("url", "http://localhost:8080/dynamic/users/1", "dynamic endpoint to call")
	method := flag.String("method", http.MethodGet, "HTTP method")
	body := flag.String("body", "", "JSON body for write methods")
	apiKey := flag.String("api-key", "", "X-API-Key of the calling client")
	numRequests := flag.Int("n", 1000, "total requests")
	concurrentWorkers := flag.Int("c", 50, "concurrent workers")
	flag.Parse()

	if *body != "" && !json.Valid([]byte(*body)) {
		log.Fatalf("body is not valid JSON: %s", *body)
	}

	var (
		successCount int64
		errorCount   int64
		mu           sync.Mutex
		latencies    = make([]time.Duration, 0, *numRequests)
		statuses     = make(map[int]int)
	)

	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	workers := pond.NewPool(*concurrentWorkers)
	startTime := time.Now()

	for i := 0; i < *numRequests; i++ {
		workers.Submit(func() {
			status, elapsed, err := call(client, *method, *target, *body, *apiKey)

			mu.Lock()
			latencies = append(latencies, elapsed)
			statuses[status]++
			mu.Unlock()

			if err != nil || status < 200 || status >= 300 {
				if err != nil {
					log.Printf("request error: %v", err)
				}
				atomic.AddInt64(&errorCount, 1)
				return
			}
			atomic.AddInt64(&successCount, 1)
		})
	}
	workers.StopAndWait()

	duration := time.Since(startTime)
	requestsPerSecond := float64(*numRequests) / duration.Seconds()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Println("Load Test Results:")
	fmt.Println("==================")
	fmt.Printf("Target: %s %s\n", *method, *target)
	fmt.Printf("Total Requests: %d\n", *numRequests)
	fmt.Printf("Successful: %d\n", successCount)
	fmt.Printf("Failed: %d\n", errorCount)
	fmt.Printf("Duration: %v\n", duration)
	fmt.Printf("Requests/sec: %.2f\n", requestsPerSecond)
	fmt.Printf("Success Rate: %.2f%%\n",
		float64(successCount)/float64(*numRequests)*100)
	fmt.Printf("Latency p50: %v  p95: %v  p99: %v\n",
		percentile(latencies, 0.50), percentile(latencies, 0.95), percentile(latencies, 0.99))
	for status, n := range statuses {
		fmt.Printf("  HTTP %d: %d\n", status, n)
	}
}

func call(client *http.Client, method, target, body, apiKey string) (int, time.Duration, error) {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}

	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		return 0, 0, err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, time.Since(start), err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, time.Since(start), nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
