package netprobe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lebao3105/LocalTalk-sub002/faults"
)

func TestClassifyBands(t *testing.T) {
	table := DefaultTable()
	cases := []struct {
		rtt  time.Duration
		want Condition
	}{
		{10 * time.Millisecond, ConditionExcellent},
		{49 * time.Millisecond, ConditionExcellent},
		{50 * time.Millisecond, ConditionGood},
		{99 * time.Millisecond, ConditionGood},
		{100 * time.Millisecond, ConditionFair},
		{199 * time.Millisecond, ConditionFair},
		{200 * time.Millisecond, ConditionPoor},
		{499 * time.Millisecond, ConditionPoor},
		{500 * time.Millisecond, ConditionUnknown},
		{2 * time.Second, ConditionUnknown},
		{0, ConditionUnknown},
	}
	for _, tc := range cases {
		if got := table.Classify(tc.rtt); got != tc.want {
			t.Errorf("Classify(%v) = %v, want %v", tc.rtt, got, tc.want)
		}
	}
}

func TestPolicyForKnownConditions(t *testing.T) {
	table := DefaultTable()
	if p := table.PolicyFor(ConditionExcellent); p.ChunkSize != 8<<20 || p.Concurrency != 8 || p.Compress {
		t.Fatalf("excellent policy = %+v", p)
	}
	if p := table.PolicyFor(ConditionGood); p.ChunkSize != 4<<20 || p.Concurrency != 4 || p.Compress {
		t.Fatalf("good policy = %+v", p)
	}
	if p := table.PolicyFor(ConditionFair); p.ChunkSize != 1<<20 || p.Concurrency != 2 || !p.Compress {
		t.Fatalf("fair policy = %+v", p)
	}
	if p := table.PolicyFor(ConditionPoor); p.ChunkSize != 256<<10 || p.Concurrency != 1 || !p.Compress {
		t.Fatalf("poor policy = %+v", p)
	}
	if p := table.PolicyFor(ConditionUnknown); p.ChunkSize != 64<<10 || p.Concurrency != 1 || !p.Compress {
		t.Fatalf("unknown policy = %+v", p)
	}
}

func TestPolicyForAlwaysHasFloor(t *testing.T) {
	table := PolicyTable{}
	p := table.PolicyFor(ConditionGood)
	if p.ChunkSize == 0 || p.Concurrency == 0 {
		t.Fatalf("empty table returned zero policy %+v", p)
	}
}

func TestProberClassifiesFromWindowMean(t *testing.T) {
	rtts := []time.Duration{60 * time.Millisecond, 80 * time.Millisecond, 70 * time.Millisecond}
	i := 0
	prober := New(DefaultTable(), func(ctx context.Context, host string) (time.Duration, error) {
		rtt := rtts[i]
		i++
		return rtt, nil
	})

	for range rtts {
		if _, err := prober.Probe(context.Background(), "192.168.1.20"); err != nil {
			t.Fatal(err)
		}
	}
	if got := prober.ConditionFor("192.168.1.20"); got != ConditionGood {
		t.Fatalf("condition = %v, want good for a 70ms mean", got)
	}
}

func TestProberNoSamplesIsUnknown(t *testing.T) {
	prober := New(DefaultTable(), nil)
	if got := prober.ConditionFor("192.168.1.99"); got != ConditionUnknown {
		t.Fatalf("condition = %v, want unknown before any probe", got)
	}
	c, p := prober.PolicyFor("192.168.1.99")
	if c != ConditionUnknown || p.ChunkSize != 64<<10 {
		t.Fatalf("policy for unprobed host = %v %+v", c, p)
	}
}

func TestProberFailedSampleTaggedNetwork(t *testing.T) {
	prober := New(DefaultTable(), func(ctx context.Context, host string) (time.Duration, error) {
		return 0, errors.New("host unreachable")
	})
	_, err := prober.Probe(context.Background(), "192.168.1.20")
	if err == nil {
		t.Fatal("expected probe failure")
	}
	if faults.KindOf(err) != faults.KindNetwork {
		t.Fatalf("probe failure classified as %v", faults.KindOf(err))
	}
	if got := prober.ConditionFor("192.168.1.20"); got != ConditionUnknown {
		t.Fatalf("failed probe polluted the window: %v", got)
	}
}

func TestProberWindowSlides(t *testing.T) {
	prober := New(DefaultTable(), nil)
	host := "192.168.1.20"

	// Fill the window with slow samples, then push them out with fast
	// ones; the classification must follow the recent window.
	for i := 0; i < defaultWindow; i++ {
		prober.Observe(host, 300*time.Millisecond)
	}
	if got := prober.ConditionFor(host); got != ConditionPoor {
		t.Fatalf("condition = %v, want poor", got)
	}
	for i := 0; i < defaultWindow; i++ {
		prober.Observe(host, 10*time.Millisecond)
	}
	if got := prober.ConditionFor(host); got != ConditionExcellent {
		t.Fatalf("condition = %v, want excellent after window slid", got)
	}
}

func TestProberObserveIgnoresNonPositive(t *testing.T) {
	prober := New(DefaultTable(), nil)
	prober.Observe("192.168.1.20", 0)
	prober.Observe("192.168.1.20", -time.Second)
	if got := prober.ConditionFor("192.168.1.20"); got != ConditionUnknown {
		t.Fatalf("non-positive samples entered the window: %v", got)
	}
}

func TestProberForget(t *testing.T) {
	prober := New(DefaultTable(), nil)
	prober.Observe("192.168.1.20", 10*time.Millisecond)
	prober.Forget("192.168.1.20")
	if got := prober.ConditionFor("192.168.1.20"); got != ConditionUnknown {
		t.Fatalf("condition = %v after forget", got)
	}
}
