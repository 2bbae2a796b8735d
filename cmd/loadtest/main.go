package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/trackify/realtime/pkg/auth"
	"github.com/trackify/realtime/pkg/client"
	"github.com/trackify/realtime/pkg/protocol"
)

var (
	expenseTitles = []string{"Team lunch", "Taxi", "Hotel", "Conference ticket", "Office supplies", "Train", "Software license", "Client dinner"}
	categories    = []string{"FOOD", "TRAVEL", "LODGING", "EQUIPMENT", "SOFTWARE", "OTHER"}
)

// Stats tracks performance metrics
type Stats struct {
	expensesPosted    atomic.Int64
	expensesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	eventsReceived    atomic.Int64

	// Detailed failure tracking
	rejected       atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.expensesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordRejected() {
	s.expensesFailed.Add(1)
	s.rejected.Add(1)
}

func (s *Stats) recordTimeout() {
	s.expensesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.expensesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (posted, failed, connErrors, events int64, avgResponseUs float64) {
	posted = s.expensesPosted.Load()
	failed = s.expensesFailed.Load()
	connErrors = s.connectionErrors.Load()
	events = s.eventsReceived.Load()

	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}

	return
}

// BotClient is a fake Trackify user that files expenses
type BotClient struct {
	id       int
	username string
	conn     *client.Connection
	stats    *Stats
}

func NewBotClient(id int, serverAddr string, signer *auth.JWTAuthenticator, stats *Stats) (*BotClient, error) {
	username := fmt.Sprintf("loadbot%04d", id)

	token, err := signer.Issue(username, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	conn, err := client.NewConnection(serverAddr, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	conn.DisableAutoReconnect()

	return &BotClient{
		id:       id,
		username: username,
		conn:     conn,
		stats:    stats,
	}, nil
}

func (bc *BotClient) Connect() error {
	if err := bc.conn.Connect(); err != nil {
		return err
	}

	// The server greets every authenticated connection
	select {
	case msg, ok := <-bc.conn.Incoming():
		if !ok {
			return fmt.Errorf("connection closed before welcome")
		}
		if _, isNote := msg.Envelope.(*protocol.DirectNotification); !isNote {
			return fmt.Errorf("expected welcome notification, got %s", msg.Envelope.Kind())
		}
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for welcome")
	}

	return nil
}

// awaitResponse drains incoming messages until the reply to requestID
// arrives. Broadcasts seen on the way are counted.
func (bc *BotClient) awaitResponse(requestID string, timeout time.Duration) (*protocol.RoutingResponse, error) {
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-bc.conn.Incoming():
			if !ok {
				return nil, fmt.Errorf("connection closed")
			}
			resp, isResp := msg.Envelope.(*protocol.RoutingResponse)
			if !isResp {
				bc.stats.eventsReceived.Add(1)
				continue
			}
			if resp.RequestID == requestID {
				return resp, nil
			}
		case <-deadline:
			return nil, errTimeout
		}
	}
}

var errTimeout = errors.New("timeout waiting for response")

func (bc *BotClient) PostRandomExpense() error {
	payload := protocol.ExpensePayload{
		Title:       expenseTitles[rand.Intn(len(expenseTitles))],
		Amount:      float64(1+rand.Intn(50000)) / 100,
		Category:    categories[rand.Intn(len(categories))],
		Description: fmt.Sprintf("load test expense from %s", bc.username),
	}

	requestID := uuid.NewString()
	start := time.Now()

	if err := bc.conn.Send(protocol.ActionExpenseCreate, requestID, payload); err != nil {
		bc.stats.recordDisconnection()
		return err
	}

	resp, err := bc.awaitResponse(requestID, 10*time.Second)
	if err != nil {
		if errors.Is(err, errTimeout) {
			bc.stats.recordTimeout()
		} else {
			bc.stats.recordDisconnection()
		}
		return err
	}

	if !resp.Success {
		bc.stats.recordRejected()
		return fmt.Errorf("expense rejected: %s", resp.Message)
	}

	bc.stats.recordSuccess(time.Since(start).Microseconds())
	return nil
}

func (bc *BotClient) RefreshDashboard() error {
	return bc.conn.Send(protocol.ActionDashboardRefresh, uuid.NewString(), nil)
}

func (bc *BotClient) Run(duration time.Duration, minDelay, maxDelay time.Duration, shutdownDelay time.Duration) {
	defer bc.conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bot %d] PANIC: %v", bc.id, r)
		}
	}()

	endTime := time.Now().Add(duration)
	iteration := 0

	for time.Now().Before(endTime) {
		iteration++

		if err := bc.PostRandomExpense(); err != nil && !bc.conn.IsConnected() {
			return
		}

		// Pull a dashboard every few expenses, like a user watching totals
		if iteration%5 == 0 {
			bc.RefreshDashboard()
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:8080", "Server address (host:port or ws:// URL)")
	secret := flag.String("secret", os.Getenv("TRACKIFY_JWT_SECRET"), "JWT secret used to mint bot tokens")
	issuer := flag.String("issuer", "trackify", "JWT issuer expected by the server")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between expenses")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between expenses")
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		log.Fatal("a JWT secret is required (-secret or TRACKIFY_JWT_SECRET)")
	}
	signer, err := auth.NewJWTAuthenticator(*secret, *issuer)
	if err != nil {
		log.Fatalf("Failed to create token signer: %v", err)
	}

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopStats) }) }
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, events, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				rate := float64(posted) / elapsed

				log.Printf("Stats: %d expenses (%.1f/s), %d failed, %d events, %d conn errors, avg %.2fms",
					posted, rate, failed, events, connErrors, avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stop()
		os.Exit(1)
	}()

	// Spawn clients
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, signer, stats)
			if err != nil {
				stats.recordConnectionError()
				return
			}

			if err := bot.Connect(); err != nil {
				stats.recordConnectionError()
				bot.conn.Close()
				return
			}

			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.username)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay)
		}(i, shutdownDelay)

		time.Sleep(staggerDelay)
	}

	wg.Wait()
	stop()

	// Final stats
	posted, failed, connErrors, events, avgUs := stats.snapshot()
	totalDuration := *duration
	rate := float64(posted) / totalDuration.Seconds()

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", totalDuration)
	log.Printf("Expenses posted: %d (%.1f/s)", posted, rate)
	log.Printf("Expenses failed: %d", failed)
	log.Printf("  - Rejected: %d", stats.rejected.Load())
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Broadcasts received: %d", events)
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Average response time: %.2fms", avgUs/1000.0)

	if posted > 0 {
		successRate := float64(posted) / float64(posted+failed) * 100
		log.Printf("Success rate: %.1f%%", successRate)
	}
}
