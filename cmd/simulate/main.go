package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-negotiation/internal/api"
	"github.com/hackgods/appointment-negotiation/internal/clinic"
	"github.com/hackgods/appointment-negotiation/internal/logger"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	StormSize    int
	BookingRatio float64
	RespondRatio float64
	ReadRatio    float64
	Days         int
}

// DataPool holds the open slots fetched from the API and the appointments
// created during the run.
type DataPool struct {
	mu           sync.Mutex
	slots        []clinic.Slot
	appointments []uuid.UUID
}

func (dp *DataPool) TakeSlot(rng *rand.Rand) (clinic.Slot, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.slots) == 0 {
		return clinic.Slot{}, false
	}
	i := rng.Intn(len(dp.slots))
	s := dp.slots[i]
	// leave the slot in place half the time so bookings collide
	if rng.Intn(2) == 0 {
		dp.slots[i] = dp.slots[len(dp.slots)-1]
		dp.slots = dp.slots[:len(dp.slots)-1]
	}
	return s, true
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	latencies := append([]time.Duration(nil), om.Latencies...)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	p50 = latencies[len(latencies)*50/100]
	p95 = latencies[min(len(latencies)*95/100, len(latencies)-1)]
	max = latencies[len(latencies)-1]
	return avg, p50, p95, max
}

type Metrics struct {
	Storm   OperationMetrics
	Booking OperationMetrics
	Respond OperationMetrics
	Read    OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
}

func main() {
	lg := logger.New(getEnv("APP_ENV", "dev"), getEnv("LOG_LEVEL", "info"), os.Stdout).With().Str("service", "simulate").Logger()

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		lg.Fatal().Err(err).Msg("invalid config")
	}
	lg.Info().
		Str("api", cfg.APIBaseURL).
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Int("storm", cfg.StormSize).
		Msg("simulator starting")

	sim := &Simulator{
		config: cfg,
		pool:   &DataPool{},
		client: &http.Client{Timeout: 10 * time.Second},
		log:    lg,
	}

	ctx := context.Background()
	if err := sim.loadSlots(ctx); err != nil {
		lg.Fatal().Err(err).Msg("load slots")
	}

	if err := sim.Storm(ctx); err != nil {
		lg.Fatal().Err(err).Msg("storm")
	}
	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		StormSize:    getInt("SIM_STORM_SIZE", 50),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.4),
		RespondRatio: getFloat("SIM_RESPOND_RATIO", 0.2),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.4),
		Days:         getInt("SIM_DAYS", 14),
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.RespondRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.RespondRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.StormSize < 0 || cfg.Days <= 0 {
		return fmt.Errorf("SIM_STORM_SIZE must be >= 0 and SIM_DAYS > 0")
	}
	return nil
}

func (s *Simulator) loadSlots(ctx context.Context) error {
	day := clinic.DateOf(time.Now()).AddDays(2)
	for i := 0; i < s.config.Days; i++ {
		var resp api.SlotsResponse
		status, err := s.call(ctx, http.MethodGet, "/slots?date="+day.String(), adminHeaders, nil, &resp)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("GET /slots for %s: status %d", day, status)
		}
		for _, c := range resp.Slots {
			s.pool.slots = append(s.pool.slots, clinic.Slot{Date: day, Time: c})
		}
		day = day.AddDays(1)
	}
	if len(s.pool.slots) == 0 {
		return fmt.Errorf("no open slots in the next %d days", s.config.Days)
	}
	s.log.Info().Int("slots", len(s.pool.slots)).Msg("loaded open slots")
	return nil
}

// Storm fires StormSize concurrent bookings at one slot. Exactly one must win.
func (s *Simulator) Storm(ctx context.Context) error {
	if s.config.StormSize == 0 {
		return nil
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	s.pool.mu.Lock()
	i := rng.Intn(len(s.pool.slots))
	target := s.pool.slots[i]
	s.pool.slots = append(s.pool.slots[:i], s.pool.slots[i+1:]...)
	s.pool.mu.Unlock()

	start := make(chan struct{})
	var wg sync.WaitGroup
	for n := 0; n < s.config.StormSize; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			s.book(ctx, target, &s.metrics.Storm, n)
		}(n)
	}
	close(start)
	wg.Wait()

	winners := atomic.LoadInt64(&s.metrics.Storm.Success)
	s.log.Info().
		Str("slot", target.String()).
		Int64("winners", winners).
		Int64("conflicts", atomic.LoadInt64(&s.metrics.Storm.Conflict)).
		Int64("errors", atomic.LoadInt64(&s.metrics.Storm.Error)).
		Msg("storm finished")
	if winners != 1 {
		return fmt.Errorf("slot %s booked %d times", target, winners)
	}
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			if slot, ok := s.pool.TakeSlot(rng); ok {
				s.book(ctx, slot, &s.metrics.Booking, rng.Int())
			}
		case r < s.config.BookingRatio+s.config.RespondRatio:
			s.respond(ctx, rng)
		default:
			s.read(ctx, rng)
		}
	}
}

var adminHeaders = map[string]string{"X-Actor-Kind": "admin", "X-Actor-ID": "simulator"}

func (s *Simulator) book(ctx context.Context, slot clinic.Slot, om *OperationMetrics, n int) {
	email := fmt.Sprintf("sim-%d@example.cg", n)
	headers := map[string]string{"X-Actor-Kind": "patient", "X-Actor-Email": email}
	body := map[string]any{
		"patient_first_name": "Sim",
		"patient_last_name":  strconv.Itoa(n),
		"patient_email":      email,
		"patient_phone":      fmt.Sprintf("06%07d", n%10000000),
		"date":               slot.Date,
		"time":               slot.Time,
		"consultation_type":  "general",
	}

	start := time.Now()
	var created api.AppointmentResponse
	status, err := s.call(ctx, http.MethodPost, "/appointments", headers, body, &created)
	if err != nil {
		status = 0
	}
	om.Record(time.Since(start), status)
	if status == http.StatusCreated {
		s.pool.AddAppointment(created.ID)
	}
}

func (s *Simulator) respond(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/appointments/"+id.String()+"/respond", adminHeaders,
		map[string]string{"action": "accept"}, nil)
	if err != nil {
		status = 0
	}
	s.metrics.Respond.Record(time.Since(start), status)
}

func (s *Simulator) read(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	path := "/appointments/" + id.String()
	if rng.Intn(2) == 0 {
		path += "/history"
	}
	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, path, adminHeaders, nil, nil)
	if err != nil {
		status = 0
	}
	s.metrics.Read.Record(time.Since(start), status)
}

func (s *Simulator) call(ctx context.Context, method, path string, headers map[string]string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Same-slot storm", &s.metrics.Storm)
	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Staff respond", &s.metrics.Respond)
	printOperationReport("Read", &s.metrics.Read)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
