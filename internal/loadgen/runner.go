// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loadgen

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beorn7/perks/quantile"

	log "github.com/golang/glog"
	client "github.com/westerndigitalcorporation/bsdb/client/bsdb"
	"github.com/westerndigitalcorporation/bsdb/pkg/tokenbucket"
)

const (
	opBook   = "book"
	opUnbook = "unbook"
	opRead   = "read"
	opFind   = "find"

	namePrefix = "load-"
	location   = "loadgen"
)

// opStats records counts and latencies of one kind of operation.
//
// Does its own locking.
type opStats struct {
	lock   sync.Mutex
	done   int64            // Succeeded, rule outcome true.
	denied int64            // Succeeded, rule outcome false.
	lat    *quantile.Stream // Latency in seconds.
}

func newOpStats() *opStats {
	objectives := map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001}
	return &opStats{lat: quantile.NewTargeted(objectives)}
}

func (s *opStats) update(done bool, d time.Duration) {
	s.lock.Lock()
	if done {
		s.done++
	} else {
		s.denied++
	}
	s.lat.Insert(d.Seconds())
	s.lock.Unlock()
}

// Report summarizes a load run.
type Report struct {
	Elapsed time.Duration
	ops     map[string]*opStats
}

// Count returns how many 'op' operations succeeded, split by rule outcome.
func (r *Report) Count(op string) (done, denied int64) {
	s, ok := r.ops[op]
	if !ok {
		return 0, 0
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.done, s.denied
}

func (r *Report) String() string {
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "elapsed: %s\n", r.Elapsed)
	for _, name := range names {
		s := r.ops[name]
		s.lock.Lock()
		n := s.done + s.denied
		fmt.Fprintf(&b, "%-7s %d ops (%.1f/sec), %d done, %d denied;", name, n, float64(n)/r.Elapsed.Seconds(), s.done, s.denied)
		for _, q := range []float64{0.5, 0.9, 0.99} {
			fmt.Fprintf(&b, " %gth=%.3fms", q*100, s.lat.Query(q)*1000)
		}
		b.WriteString("\n")
		s.lock.Unlock()
	}
	return b.String()
}

// Run seeds the load records if needed, then runs the workers for the
// configured duration. Afterwards it checks that every record's owner agrees
// with the bookings and unbookings the workers saw succeed. Only the load
// generator may touch the load records during a run.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	s, err := cfg.parse()
	if err != nil {
		return nil, err
	}

	cli := client.NewClient(s.options)
	defer cli.Close()
	nos, err := seed(ctx, cli, cfg.Records)
	if err != nil {
		return nil, err
	}

	// Net bookings per record, starting at 1 for records already booked.
	balance := make([]int64, len(nos))
	for i, no := range nos {
		rec, err := cli.Read(ctx, no)
		if err != nil {
			return nil, err
		}
		if owner, _ := rec.Value("owner"); owner != "" {
			balance[i] = 1
		}
	}

	report := &Report{ops: make(map[string]*opStats)}
	for _, op := range s.ops {
		report.ops[op] = newOpStats()
	}

	var tb *tokenbucket.TokenBucket
	if cfg.Rate > 0 {
		tb = tokenbucket.New(cfg.Rate, cfg.Rate/float64(cfg.Workers)+1)
	}

	// 'running' gates starting new operations, operations themselves use
	// 'ctx' so a run ending mid-call doesn't lose its outcome.
	running, stop := context.WithTimeout(ctx, s.duration)
	defer stop()

	log.Infof("starting %d workers on %d records for %s", cfg.Workers, len(nos), s.duration)
	start := time.Now()
	errC := make(chan error, cfg.Workers)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := worker(ctx, running, id, s, tb, nos, balance, report); err != nil {
				log.Errorf("worker #%d failed: %s", id, err)
				errC <- err
				stop()
			}
		}(i)
	}
	wg.Wait()
	report.Elapsed = time.Since(start)
	close(errC)
	if err := <-errC; err != nil {
		return report, err
	}
	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	return report, verify(ctx, cli, nos, balance)
}

// worker issues operations until 'running' is done. Per-worker clients give
// every worker its own connection.
func worker(ctx, running context.Context, id int, s settings, tb *tokenbucket.TokenBucket, nos []client.RecordNo, balance []int64, report *Report) error {
	cli := client.NewClient(s.options)
	defer cli.Close()
	r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	for running.Err() == nil {
		if tb != nil && tb.Wait(running, 1) != nil {
			return nil
		}
		i := s.pickRecord(len(nos))
		no := nos[i]

		op := s.pickOp(r)
		st := time.Now()
		var done bool
		var err error
		switch op {
		case opBook:
			customer := r.Int63n(99999999) + 1
			if done, err = cli.Book(ctx, no, customer); done {
				atomic.AddInt64(&balance[i], 1)
			}
		case opUnbook:
			if done, err = cli.Unbook(ctx, no); done {
				atomic.AddInt64(&balance[i], -1)
			}
		case opRead:
			_, err = cli.Read(ctx, no)
			done = err == nil
		case opFind:
			var found []client.RecordNo
			found, err = cli.Find(ctx, fmt.Sprintf("%s%04d", namePrefix, i), location)
			done = len(found) == 1
		}
		if err != nil {
			return fmt.Errorf("%s of record %d: %s", op, no, err)
		}
		report.ops[op].update(done, time.Since(st))

		if s.think != nil {
			select {
			case <-time.After(time.Duration(s.think.Sample() * float64(time.Second))):
			case <-running.Done():
				return nil
			}
		}
	}
	return nil
}

// seed makes sure 'n' load records exist and returns their numbers in name
// order.
func seed(ctx context.Context, cli *client.Client, n int) ([]client.RecordNo, error) {
	recs, err := cli.Search(ctx, namePrefix, location)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]client.RecordNo)
	for _, rec := range recs {
		name, _ := rec.Value("name")
		existing[name] = rec.No
	}

	nos := make([]client.RecordNo, n)
	created := 0
	for i := range nos {
		name := fmt.Sprintf("%s%04d", namePrefix, i)
		if no, ok := existing[name]; ok {
			nos[i] = no
			continue
		}
		no, err := cli.Create(ctx, []client.Field{
			{Name: "name", Value: name},
			{Name: "location", Value: location},
			{Name: "specialties", Value: "load testing"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %s", name, err)
		}
		nos[i] = no
		created++
	}
	log.Infof("seeded %d records, %d already existed", created, n-created)
	return nos, nil
}

// verify checks that each record is booked exactly when its net bookings
// are one.
func verify(ctx context.Context, cli *client.Client, nos []client.RecordNo, balance []int64) error {
	for i, no := range nos {
		b := atomic.LoadInt64(&balance[i])
		if b != 0 && b != 1 {
			return fmt.Errorf("record %d: %d net bookings", no, b)
		}
		rec, err := cli.Read(ctx, no)
		if err != nil {
			return err
		}
		owner, _ := rec.Value("owner")
		if (owner != "") != (b == 1) {
			return fmt.Errorf("record %d: owner %q after %d net bookings", no, owner, b)
		}
	}
	return nil
}
