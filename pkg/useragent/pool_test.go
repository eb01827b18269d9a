package useragent

import (
	"sync"
	"testing"
)

func TestPool_GetSequential(t *testing.T) {
	p := NewPool([]string{"A", "B", "C"})

	for i, want := range []string{"A", "B", "C", "A"} {
		if got := p.GetSequential(); got != want {
			t.Errorf("call %d: expected %s, got %s", i, want, got)
		}
	}
}

func TestPool_Default(t *testing.T) {
	p := NewPool(nil)
	if len(p.GetAll()) != len(DefaultPool) {
		t.Errorf("expected pool length %d, got %d", len(DefaultPool), len(p.GetAll()))
	}
	if got := p.Next(); got != DefaultPool[0] {
		t.Errorf("expected %s, got %s", DefaultPool[0], got)
	}
}

func TestPool_NextStrategies(t *testing.T) {
	fixed := NewPoolWithStrategy([]string{"A", "B"}, StrategyFixed)
	for i := 0; i < 5; i++ {
		if got := fixed.Next(); got != "A" {
			t.Fatalf("fixed strategy returned %s", got)
		}
	}

	seq := NewPoolWithStrategy([]string{"A", "B"}, "")
	if seq.Next() != "A" || seq.Next() != "B" {
		t.Errorf("empty strategy should behave sequentially")
	}

	random := NewPoolWithStrategy([]string{"A", "B"}, StrategyRandom)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		seen[random.Next()] = true
	}
	if !seen["A"] || !seen["B"] {
		t.Errorf("expected both entries from random strategy, saw %v", seen)
	}
}

func TestParseStrategy(t *testing.T) {
	cases := map[string]Strategy{
		"":           StrategySequential,
		"Sequential": StrategySequential,
		"random":     StrategyRandom,
		" fixed ":    StrategyFixed,
	}
	for in, want := range cases {
		got, err := ParseStrategy(in)
		if err != nil {
			t.Fatalf("ParseStrategy(%q): unexpected error %v", in, err)
		}
		if got != want {
			t.Errorf("ParseStrategy(%q) = %s, want %s", in, got, want)
		}
	}

	if _, err := ParseStrategy("weighted"); err == nil {
		t.Errorf("expected error for unknown strategy")
	}
}

func TestPool_Concurrent(t *testing.T) {
	uas := []string{"X", "Y", "Z"}
	p := NewPool(uas)

	var wg sync.WaitGroup
	const routines = 50
	const iterations = 600

	results := make(chan string, routines*iterations)
	for i := 0; i < routines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				results <- p.GetSequential()
			}
		}()
	}
	wg.Wait()
	close(results)

	counts := map[string]int{}
	for r := range results {
		counts[r]++
	}

	expected := (routines * iterations) / len(uas)
	for _, ua := range uas {
		if counts[ua] != expected {
			t.Errorf("expected %d hits for %s, got %d", expected, ua, counts[ua])
		}
	}
}

func TestPool_Empty(t *testing.T) {
	p := &Pool{uas: []string{}}

	if got := p.GetSequential(); got != "" {
		t.Errorf("expected empty string on empty sequential, got %s", got)
	}
	if got := p.GetRandom(); got != "" {
		t.Errorf("expected empty string on empty random, got %s", got)
	}
	p.strategy = StrategyFixed
	if got := p.Next(); got != "" {
		t.Errorf("expected empty string on empty fixed, got %s", got)
	}
}
