package loadbalance

import (
	"fmt"
	"testing"

	"datapack-rpc/registry"
)

var testInstances = []registry.Instance{
	{Addr: "http://gpu-1:11434", Weight: 10},
	{Addr: "http://gpu-2:11434", Weight: 5},
	{Addr: "http://gpu-3:11434", Weight: 10},
}

func TestNew(t *testing.T) {
	for _, name := range []string{RoundRobin, WeightedRandom, ConsistentHash} {
		b, err := New(name)
		if err != nil {
			t.Fatal(err)
		}
		if b.Name() != name {
			t.Fatalf("expect balancer %s, got %s", name, b.Name())
		}
	}
	if _, err := New("random"); err == nil {
		t.Fatal("expect error for unknown balancer")
	}
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all instances
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Pick("", testInstances)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = inst.Addr
	}
	for i, addr := range results {
		if addr != testInstances[i].Addr {
			t.Fatalf("pick %d: expect %s, got %s", i, testInstances[i].Addr, addr)
		}
	}

	// Pick again, should wrap around to first
	inst, _ := b.Pick("", testInstances)
	if inst.Addr != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], inst.Addr)
	}
}

func TestEmptyInstances(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer()} {
		if _, err := b.Pick("k", nil); err == nil {
			t.Fatalf("%s: expect error for empty instances", b.Name())
		}
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick("", testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr]++
	}

	// Weight ratio is 10:5:10, so gpu-1 and gpu-3 should be ~2x of gpu-2
	ratio := float64(counts["http://gpu-1:11434"]) / float64(counts["http://gpu-2:11434"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio gpu-1/gpu-2 = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick("", []registry.Instance{{Addr: "a"}, {Addr: "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Addr != "a" && inst.Addr != "b" {
		t.Fatalf("expect a or b, got %s", inst.Addr)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	// Same key should always map to the same instance
	inst1, _ := b.Pick("what is redstone?", testInstances)
	inst2, _ := b.Pick("what is redstone?", testInstances)
	if inst1.Addr != inst2.Addr {
		t.Fatalf("same key mapped to %s and %s", inst1.Addr, inst2.Addr)
	}

	// Different keys should (likely) map to different instances
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.Pick(fmt.Sprintf("key-%d", i), testInstances)
		seen[inst.Addr] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect keys spread over at least 2 instances, got %d", len(seen))
	}
}

func TestConsistentHashRebuildsOnChange(t *testing.T) {
	b := NewConsistentHashBalancer()
	if _, err := b.Pick("k", testInstances); err != nil {
		t.Fatal(err)
	}

	only := []registry.Instance{{Addr: "http://solo:11434"}}
	inst, err := b.Pick("k", only)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Addr != "http://solo:11434" {
		t.Fatalf("expect http://solo:11434, got %s", inst.Addr)
	}
}
