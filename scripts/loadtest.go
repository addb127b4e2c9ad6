//go:build ignore

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aditya/go-carpool/internal/middleware"
	"github.com/aditya/go-carpool/internal/models"
	"github.com/aditya/go-carpool/pkg/utils"
)

const (
	baseURL   = "http://localhost:8080"
	seats     = 3
	riders    = 50
	listCalls = 1000
)

type Stats struct {
	TotalRequests   int64
	SuccessRequests int64
	ConflictReplies int64
	FailedRequests  int64
	TotalLatency    int64
	MaxLatency      int64
}

func (s *Stats) record(latency int64, status int, err error) {
	atomic.AddInt64(&s.TotalRequests, 1)
	atomic.AddInt64(&s.TotalLatency, latency)

	switch {
	case err != nil:
		atomic.AddInt64(&s.FailedRequests, 1)
	case status < 300:
		atomic.AddInt64(&s.SuccessRequests, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&s.ConflictReplies, 1)
	default:
		atomic.AddInt64(&s.FailedRequests, 1)
	}

	for {
		old := atomic.LoadInt64(&s.MaxLatency)
		if latency <= old || atomic.CompareAndSwapInt64(&s.MaxLatency, old, latency) {
			break
		}
	}
}

var auth *middleware.Authenticator

func main() {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret-change-me"
	}
	auth = middleware.NewAuthenticator(secret)

	fmt.Println("Carpool Load Test")
	fmt.Println("=================")

	driver := newUser("driver")

	fmt.Printf("\n1. Creating an offer with %d seats...\n", seats)
	var offer models.RideOfferResponse
	status, err := call(driver, http.MethodPost, "/v1/offers", map[string]interface{}{
		"start_location":  "Bangalore",
		"end_location":    "Mysore",
		"departure_time":  time.Now().UTC().Add(6 * time.Hour),
		"available_seats": seats,
	}, &offer)
	if err != nil || status != http.StatusCreated {
		log.Fatalf("Failed to create offer: status=%d err=%v", status, err)
	}

	fmt.Printf("\n2. %d riders requesting concurrently...\n", riders)
	requestIDs, stats := requestSeats(offer.ID, riders)
	printStats("Ride Requests", stats)

	fmt.Printf("\n3. Accepting all %d requests concurrently...\n", len(requestIDs))
	stats = acceptAll(driver, requestIDs)
	printStats("Answers", stats)

	var final models.RideOfferResponse
	if _, err := call(driver, http.MethodGet, "/v1/offers/"+offer.ID, nil, &final); err != nil {
		log.Fatalf("Failed to reload offer: %v", err)
	}
	fmt.Printf("\n  Accepted: %d of %d seats, offer now %s with %d seats left\n",
		stats.SuccessRequests, seats, final.Status, final.AvailableSeats)
	if stats.SuccessRequests != seats || final.AvailableSeats != 0 {
		log.Fatal("seat accounting is off")
	}

	fmt.Printf("\n4. Listing offers (%d calls, 50 concurrent)...\n", listCalls)
	stats = listOffers(listCalls, 50)
	printStats("Listings", stats)

	fmt.Println("\nLoad test completed!")
}

func newUser(name string) models.Identity {
	id := utils.GenerateID()
	return models.Identity{ID: id, Email: fmt.Sprintf("%s-%s@loadtest.carpool", name, id[:8])}
}

func call(user models.Identity, method, path string, payload, out interface{}) (int, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, baseURL+path, body)
	if err != nil {
		return 0, err
	}
	token, err := auth.IssueToken(user, time.Hour)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func requestSeats(offerID string, n int) ([]string, *Stats) {
	stats := &Stats{}
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []string
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(rider models.Identity) {
			defer wg.Done()

			var created models.RideRequestResponse
			start := time.Now()
			status, err := call(rider, http.MethodPost, "/v1/offers/"+offerID+"/requests", nil, &created)
			stats.record(time.Since(start).Milliseconds(), status, err)

			if err == nil && status == http.StatusCreated {
				mu.Lock()
				ids = append(ids, created.ID)
				mu.Unlock()
			}
		}(newUser(fmt.Sprintf("rider%d", i)))
	}

	wg.Wait()
	return ids, stats
}

// acceptAll races the driver's answers. Only as many as there are seats may win; the
// rest must come back 409.
func acceptAll(driver models.Identity, requestIDs []string) *Stats {
	stats := &Stats{}
	var wg sync.WaitGroup

	for _, id := range requestIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			start := time.Now()
			status, err := call(driver, http.MethodPost, "/v1/requests/"+id+"/answer",
				map[string]string{"answer": string(models.RequestStatusAccepted)}, nil)
			stats.record(time.Since(start).Milliseconds(), status, err)
		}(id)
	}

	wg.Wait()
	return stats
}

func listOffers(n, concurrency int) *Stats {
	stats := &Stats{}
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, concurrency)
	reader := newUser("reader")

	for i := 0; i < n; i++ {
		wg.Add(1)
		semaphore <- struct{}{}

		go func() {
			defer wg.Done()
			defer func() { <-semaphore }()

			start := time.Now()
			status, err := call(reader, http.MethodGet, "/v1/offers?start_location=Bangalore&limit=20", nil, nil)
			stats.record(time.Since(start).Milliseconds(), status, err)
		}()
	}

	wg.Wait()
	return stats
}

func printStats(name string, stats *Stats) {
	avgLatency := float64(0)
	if stats.TotalRequests > 0 {
		avgLatency = float64(stats.TotalLatency) / float64(stats.TotalRequests)
	}

	fmt.Printf("\n%s Results:\n", name)
	fmt.Printf("  Total Requests:   %d\n", stats.TotalRequests)
	fmt.Printf("  Successful:       %d\n", stats.SuccessRequests)
	fmt.Printf("  Conflicts:        %d\n", stats.ConflictReplies)
	fmt.Printf("  Failed:           %d\n", stats.FailedRequests)
	fmt.Printf("  Avg Latency:      %.2f ms\n", avgLatency)
	fmt.Printf("  Max Latency:      %d ms\n", stats.MaxLatency)
}
