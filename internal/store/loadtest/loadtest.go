// Package loadtest exercises the local store with concurrent writers and
// readers.
//
// Writers commit meal batches through the transaction manager, some for
// users of their own and some for users shared with other writers, while
// readers keep querying daily totals. Afterwards every batch is checked for
// atomicity: a committed batch must have all its rows and a rejected one
// none. Lost rows are expected to be zero under any load; StoreBusy
// rejections are counted because they must have reached the caller.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platemate/platemate/internal/errs"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/platemate/platemate/internal/store/txmgr"
)

// Config describes a workload.
type Config struct {
	Writers          int
	BatchesPerWriter int
	RowsPerBatch     int
	// Users shared by the writers. Fewer users than writers makes writers
	// contend on the same users' streaks.
	Users   int
	Readers int
	// Seed makes the generated rows reproducible.
	Seed int64
}

// DefaultConfig returns a workload that finishes in a few seconds.
func DefaultConfig() Config {
	return Config{
		Writers:          8,
		BatchesPerWriter: 20,
		RowsPerBatch:     4,
		Users:            4,
		Readers:          4,
		Seed:             42,
	}
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Count int           `json:"count"`
}

// Report is the outcome of a run.
type Report struct {
	Writes LatencyStats `json:"writes"`
	Reads  LatencyStats `json:"reads"`

	Batches   int `json:"batches"`
	Committed int `json:"committed"`
	// Busy counts batches rejected with StoreBusy.
	Busy int `json:"busy"`
	// Failed counts batches rejected for any other reason.
	Failed   int           `json:"failed"`
	ReadErrs int           `json:"read_errors"`
	Expected int           `json:"expected_rows"`
	Stored   int           `json:"stored_rows"`
	LostRows int           `json:"lost_rows"`
	Partial  int           `json:"partial_batches"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether no row was lost and no batch was stored partially.
func (r *Report) OK() bool {
	return r.LostRows == 0 && r.Partial == 0
}

type outcome struct {
	batchID   string
	rows      int
	committed bool
	busy      bool
	latency   time.Duration
}

// Run executes the workload against mgr and verifies the store afterwards.
func Run(ctx context.Context, mgr *txmgr.Manager, cfg Config) (*Report, error) {
	if cfg.Writers <= 0 || cfg.BatchesPerWriter <= 0 || cfg.RowsPerBatch <= 0 {
		return nil, fmt.Errorf("writers, batches and rows per batch must be positive")
	}
	if cfg.Users <= 0 {
		cfg.Users = cfg.Writers
	}
	store := mgr.Store()
	run := uuid.NewString()[:8]
	users := make([]string, cfg.Users)
	for i := range users {
		users[i] = fmt.Sprintf("load-%s-%02d", run, i)
	}

	start := time.Now()
	writersDone := make(chan struct{})

	var (
		readMu    sync.Mutex
		readTimes []time.Duration
		readErrs  int
		readers   sync.WaitGroup
	)
	for i := 0; i < cfg.Readers; i++ {
		readers.Add(1)
		go func(id int) {
			defer readers.Done()
			rng := rand.New(rand.NewSource(cfg.Seed + int64(1000+id)))
			for {
				select {
				case <-writersDone:
					return
				case <-ctx.Done():
					return
				default:
				}
				user := users[rng.Intn(len(users))]
				t0 := time.Now()
				_, err := store.DailyTotals(ctx, user, time.Now(), time.UTC)
				elapsed := time.Since(t0)

				readMu.Lock()
				readTimes = append(readTimes, elapsed)
				if err != nil && ctx.Err() == nil {
					readErrs++
				}
				readMu.Unlock()
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	results := make(chan outcome, cfg.Writers*cfg.BatchesPerWriter)
	var writers sync.WaitGroup
	for i := 0; i < cfg.Writers; i++ {
		writers.Add(1)
		go func(id int) {
			defer writers.Done()
			rng := rand.New(rand.NewSource(cfg.Seed + int64(id)))
			for j := 0; j < cfg.BatchesPerWriter; j++ {
				if ctx.Err() != nil {
					return
				}
				b := generateBatch(rng, users[(id+j)%len(users)], cfg.RowsPerBatch)
				t0 := time.Now()
				_, err := mgr.AddBatch(ctx, b)
				results <- outcome{
					batchID:   b.ID,
					rows:      len(b.Entries),
					committed: err == nil,
					busy:      errs.Is(err, errs.StoreBusy),
					latency:   time.Since(t0),
				}
			}
		}(i)
	}

	writers.Wait()
	close(writersDone)
	close(results)
	readers.Wait()

	rep := &Report{ReadErrs: readErrs, Duration: time.Since(start)}
	var writeTimes []time.Duration
	var all []outcome
	for o := range results {
		all = append(all, o)
		writeTimes = append(writeTimes, o.latency)
		rep.Batches++
		switch {
		case o.committed:
			rep.Committed++
			rep.Expected += o.rows
		case o.busy:
			rep.Busy++
		default:
			rep.Failed++
		}
	}
	rep.Writes = computeLatencyStats(writeTimes)
	rep.Reads = computeLatencyStats(readTimes)

	// Verification runs on a fresh context so a cancelled run still reports.
	vctx := context.WithoutCancel(ctx)
	for _, o := range all {
		rows, err := store.MealEntries(vctx, o.batchID)
		if err != nil {
			return rep, fmt.Errorf("failed to verify batch %s: %w", o.batchID, err)
		}
		switch {
		case o.committed:
			rep.Stored += len(rows)
			if len(rows) != o.rows {
				rep.Partial++
			}
		case len(rows) != 0:
			rep.Partial++
		}
	}
	rep.LostRows = rep.Expected - rep.Stored
	return rep, nil
}

var foods = []struct {
	name     string
	calories int
	protein  float64
	carbs    float64
	fat      float64
}{
	{"oatmeal", 150, 5, 27, 3},
	{"banana", 105, 1.3, 27, 0.4},
	{"chicken breast", 165, 31, 0, 3.6},
	{"brown rice", 216, 5, 45, 1.8},
	{"greek yogurt", 100, 17, 6, 0.7},
	{"salmon", 208, 20, 0, 13},
	{"apple", 95, 0.5, 25, 0.3},
	{"almonds", 164, 6, 6, 14},
}

func generateBatch(rng *rand.Rand, user string, rows int) *schema.Batch {
	b := &schema.Batch{
		ID:     uuid.NewString(),
		UserID: user,
		Source: "image",
	}
	at := time.Now().Add(-time.Duration(rng.Intn(12*60)) * time.Minute)
	mealType := schema.MealTypes[rng.Intn(len(schema.MealTypes))]
	for i := 0; i < rows; i++ {
		f := foods[rng.Intn(len(foods))]
		b.Entries = append(b.Entries, schema.FoodLogEntry{
			FoodName: f.name,
			Calories: f.calories,
			ProteinG: f.protein,
			CarbsG:   f.carbs,
			FatG:     f.fat,
			MealType: mealType,
			LoggedAt: at,
		})
	}
	return b
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Print writes a human-readable report to w.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Batches:   %d committed, %d busy, %d failed (of %d)\n", r.Committed, r.Busy, r.Failed, r.Batches)
	fmt.Fprintf(w, "Rows:      %d expected, %d stored, %d lost, %d partial batches\n", r.Expected, r.Stored, r.LostRows, r.Partial)
	fmt.Fprintf(w, "Duration:  %v\n", r.Duration.Round(time.Millisecond))
	r.Writes.print(w, "Writes")
	r.Reads.print(w, "Reads")
	if r.ReadErrs > 0 {
		fmt.Fprintf(w, "Read errors: %d\n", r.ReadErrs)
	}
}

func (s LatencyStats) print(w io.Writer, label string) {
	fmt.Fprintf(w, "%s (%d):\n", label, s.Count)
	fmt.Fprintf(w, "  Min:  %v\n", s.Min)
	fmt.Fprintf(w, "  P50:  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean: %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:  %v\n", s.P95)
	fmt.Fprintf(w, "  P99:  %v\n", s.P99)
	fmt.Fprintf(w, "  Max:  %v\n", s.Max)
}
