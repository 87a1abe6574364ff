package ratelimiter

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Window:                time.Minute,
		MaxRequests:           2,
		BurstSize:             1,
		ViolationsBeforeBlock: 2,
		BlockDuration:         time.Minute,
		PenaltyMultiplier:     2,
		MaxPenalty:            10 * time.Minute,
	}
}

func TestLimiterWindowBurstAndEscalatingBlock(t *testing.T) {
	l := New(testConfig())
	now := time.Unix(1_700_000_000, 0)
	const origin = "https://dapp.example"

	if res := l.Check(origin, "", now); !res.Allowed || res.Remaining != 1 {
		t.Fatalf("first request: %+v", res)
	}
	if res := l.Check(origin, "", now); !res.Allowed || res.Remaining != 0 {
		t.Fatalf("second request: %+v", res)
	}
	if res := l.Check(origin, "", now); !res.Allowed || !res.UsedBurst {
		t.Fatalf("expected burst allowance, got %+v", res)
	}
	if res := l.Check(origin, "", now); res.Allowed || res.Reason != ReasonRateLimited {
		t.Fatalf("expected rate_limited, got %+v", res)
	}
	res := l.Check(origin, "", now)
	if res.Allowed || res.Reason != ReasonBlocked || res.RetryAfter != time.Minute {
		t.Fatalf("expected first block of 1m, got %+v", res)
	}
	if res := l.Check(origin, "", now.Add(30*time.Second)); res.Reason != ReasonBlocked || res.RetryAfter != 30*time.Second {
		t.Fatalf("expected block to hold, got %+v", res)
	}
	if !l.Blocked(origin, "", now.Add(30*time.Second)) {
		t.Fatal("expected origin to be reported blocked")
	}

	later := now.Add(61 * time.Second)
	for i := 0; i < 3; i++ {
		if res := l.Check(origin, "", later); !res.Allowed {
			t.Fatalf("request %d after block: %+v", i, res)
		}
	}
	l.Check(origin, "", later)
	res = l.Check(origin, "", later)
	if res.Reason != ReasonBlocked || res.RetryAfter != 2*time.Minute {
		t.Fatalf("expected escalated 2m block, got %+v", res)
	}
}

func TestLimiterPenaltyIsCapped(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPenalty = 3 * time.Minute
	cfg = normalizeConfig(cfg)
	if got := penaltyFor(cfg, 1); got != time.Minute {
		t.Fatalf("offense 1: %s", got)
	}
	if got := penaltyFor(cfg, 2); got != 2*time.Minute {
		t.Fatalf("offense 2: %s", got)
	}
	if got := penaltyFor(cfg, 5); got != 3*time.Minute {
		t.Fatalf("offense 5 must be capped, got %s", got)
	}
}

func TestLimiterSlidingWindow(t *testing.T) {
	cfg := testConfig()
	cfg.BurstSize = 0
	cfg.SlidingWindow = true
	cfg.ViolationsBeforeBlock = 5
	l := New(cfg)
	now := time.Unix(1_700_000_000, 0)
	const origin = "https://dapp.example"

	l.Check(origin, "", now)
	l.Check(origin, "", now.Add(30*time.Second))
	if res := l.Check(origin, "", now.Add(45*time.Second)); res.Allowed {
		t.Fatalf("expected third request inside sliding window to be denied, got %+v", res)
	}
	if res := l.Check(origin, "", now.Add(61*time.Second)); !res.Allowed {
		t.Fatalf("expected oldest request to slide out, got %+v", res)
	}
}

func TestLimiterKeysPerOperation(t *testing.T) {
	cfg := testConfig()
	cfg.BurstSize = 0
	cfg.PerOperation = true
	l := New(cfg)
	now := time.Unix(1_700_000_000, 0)

	l.Check("https://a.example", "discover", now)
	l.Check("https://a.example", "discover", now)
	if res := l.Check("https://a.example", "discover", now); res.Allowed {
		t.Fatal("expected discover operation to be exhausted")
	}
	if res := l.Check("https://a.example", "connect", now); !res.Allowed {
		t.Fatal("expected separate budget per operation")
	}
	if res := l.Check("https://b.example", "discover", now); !res.Allowed {
		t.Fatal("expected separate budget per origin")
	}
	l.Reset("https://a.example", "discover")
	if res := l.Check("https://a.example", "discover", now); !res.Allowed {
		t.Fatal("expected reset to clear the key")
	}
}

func TestLimiterRejectsBlankKey(t *testing.T) {
	l := New(DefaultConfig())
	if res := l.Check("  ", "", time.Now()); res.Allowed || res.Reason != ReasonInvalidKey {
		t.Fatalf("expected invalid key, got %+v", res)
	}
}

func TestLimiterEvictsIdleKeys(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 1000, IdleTTL: time.Minute, MaxPenalty: time.Minute, BlockDuration: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	l.Check("https://idle.example", "", now)

	later := now.Add(2 * time.Hour)
	for i := 0; i < 511; i++ {
		l.Check("https://busy.example", "", later)
	}
	if got := l.Len(); got != 1 {
		t.Fatalf("expected idle key to be swept, got %d keys", got)
	}
}

func TestLimiterWindowRolloverRestoresBudget(t *testing.T) {
	cfg := testConfig()
	cfg.BurstSize = 0
	cfg.ViolationsBeforeBlock = 10
	l := New(cfg)
	now := time.Unix(1_700_000_000, 0)
	const origin = "https://dapp.example"

	if res := l.Peek(origin, "", now); !res.Allowed || res.Remaining != cfg.MaxRequests {
		t.Fatalf("unseen key must report full budget, got %+v", res)
	}
	l.Check(origin, "", now)
	l.Check(origin, "", now)
	if res := l.Check(origin, "", now); res.Allowed || res.Reason != ReasonRateLimited {
		t.Fatalf("expected exhausted window, got %+v", res)
	}
	if res := l.Peek(origin, "", now.Add(59*time.Second)); res.Allowed {
		t.Fatalf("expected window to still be exhausted, got %+v", res)
	}
	res := l.Peek(origin, "", now.Add(time.Minute))
	if !res.Allowed || res.Remaining != cfg.MaxRequests {
		t.Fatalf("expected full budget after rollover, got %+v", res)
	}
	if res := l.Check(origin, "", now.Add(time.Minute)); !res.Allowed || res.Remaining != cfg.MaxRequests-1 {
		t.Fatalf("expected allowed request after rollover, got %+v", res)
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *Limiter
	now := time.Unix(1_700_000_000, 0)
	const origin = "https://dapp.example"

	if res := l.Check(origin, "discover", now); !res.Allowed {
		t.Fatalf("nil limiter must allow Check, got %+v", res)
	}
	if res := l.Peek(origin, "discover", now); !res.Allowed {
		t.Fatalf("nil limiter must allow Peek, got %+v", res)
	}
	if l.Blocked(origin, "discover", now) {
		t.Fatal("nil limiter must never block")
	}
	l.Reset(origin, "discover")
	l.ResetAll()
	l.Configure(testConfig())
	if l.Len() != 0 {
		t.Fatalf("nil limiter must track nothing, got %d", l.Len())
	}
	if got := l.Key(" "+origin+" ", "discover"); got != origin {
		t.Fatalf("unexpected key %q", got)
	}
	if l.Config().MaxRequests != DefaultConfig().MaxRequests {
		t.Fatal("nil limiter must report default config")
	}
}
