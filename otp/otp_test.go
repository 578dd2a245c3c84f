package otp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nhalm/canonlog"
	"github.com/redis/go-redis/v9"

	"github.com/nominom/accountd/kvstore"
)

const testPhone = "+15551234567"

type fakeSender struct {
	mu       sync.Mutex
	sent     []string
	failWith error
	delay    time.Duration
}

func (f *fakeSender) Send(_ context.Context, _, body string) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return "", f.failWith
	}
	f.sent = append(f.sent, body)
	return "delivery-1", nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestVerifier(t *testing.T, sender Sender) (*Verifier, *kvstore.Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := kvstore.NewStore(rdb, "phone_verification")
	return NewVerifier(store, sender, Config{}), store, mr
}

func storedCode(t *testing.T, store *kvstore.Store, phone string) string {
	t.Helper()
	data, err := store.Get(canonlog.NewContext(context.Background()), "otp:"+phone)
	if err != nil {
		t.Fatalf("reading stored code failed: %v", err)
	}
	return string(data)
}

func TestIssueStoresAndSendsCode(t *testing.T) {
	sender := &fakeSender{}
	v, store, _ := newTestVerifier(t, sender)

	if err := v.Issue(canonlog.NewContext(context.Background()), testPhone); err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	code := storedCode(t, store, testPhone)
	if len(code) != 6 {
		t.Fatalf("expected 6-digit stored code, got %q", code)
	}
	if sender.count() != 1 {
		t.Fatalf("expected 1 SMS, got %d", sender.count())
	}
}

func TestVerifyConsumesCodeOnce(t *testing.T) {
	v, store, _ := newTestVerifier(t, &fakeSender{})
	ctx := canonlog.NewContext(context.Background())

	if err := v.Issue(ctx, testPhone); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	code := storedCode(t, store, testPhone)

	ok, err := v.Verify(ctx, testPhone, code)
	if err != nil || !ok {
		t.Fatalf("expected first verify to succeed, ok=%v err=%v", ok, err)
	}

	ok, err = v.Verify(ctx, testPhone, code)
	if err != nil || ok {
		t.Fatalf("expected replay to fail, ok=%v err=%v", ok, err)
	}
}

func TestMismatchDoesNotBurnCode(t *testing.T) {
	v, store, _ := newTestVerifier(t, &fakeSender{})
	ctx := canonlog.NewContext(context.Background())

	if err := v.Issue(ctx, testPhone); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	code := storedCode(t, store, testPhone)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	ok, err := v.Verify(ctx, testPhone, wrong)
	if err != nil || ok {
		t.Fatalf("expected mismatch to fail, ok=%v err=%v", ok, err)
	}

	ok, err = v.Verify(ctx, testPhone, code)
	if err != nil || !ok {
		t.Fatalf("expected correct code to still verify, ok=%v err=%v", ok, err)
	}
}

func TestVerifyAbsentCode(t *testing.T) {
	v, _, _ := newTestVerifier(t, &fakeSender{})

	ok, err := v.Verify(canonlog.NewContext(context.Background()), testPhone, "123456")
	if err != nil || ok {
		t.Fatalf("expected verify of never-issued code to fail cleanly, ok=%v err=%v", ok, err)
	}
}

func TestExpiredCodeLooksNeverIssued(t *testing.T) {
	v, store, mr := newTestVerifier(t, &fakeSender{})
	ctx := canonlog.NewContext(context.Background())

	if err := v.Issue(ctx, testPhone); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	code := storedCode(t, store, testPhone)

	mr.FastForward(11 * time.Minute)

	ok, err := v.Verify(ctx, testPhone, code)
	if err != nil || ok {
		t.Fatalf("expected expired code to fail, ok=%v err=%v", ok, err)
	}
}

func TestReissueOverwritesPriorCode(t *testing.T) {
	v, store, _ := newTestVerifier(t, &fakeSender{})
	ctx := canonlog.NewContext(context.Background())

	if err := v.Issue(ctx, testPhone); err != nil {
		t.Fatalf("first issue failed: %v", err)
	}
	first := storedCode(t, store, testPhone)

	if err := v.Issue(ctx, testPhone); err != nil {
		t.Fatalf("second issue failed: %v", err)
	}
	second := storedCode(t, store, testPhone)

	if first == second {
		t.Skip("codes collided; re-run is astronomically unlikely to")
	}

	if ok, _ := v.Verify(ctx, testPhone, first); ok {
		t.Fatal("expected overwritten code to be rejected")
	}
	if ok, err := v.Verify(ctx, testPhone, second); err != nil || !ok {
		t.Fatalf("expected latest code to verify, ok=%v err=%v", ok, err)
	}
}

func TestIssuanceBudgetExhaustion(t *testing.T) {
	sender := &fakeSender{}
	v, store, _ := newTestVerifier(t, sender)
	ctx := canonlog.NewContext(context.Background())

	for i := 1; i <= 3; i++ {
		if err := v.Issue(ctx, testPhone); err != nil {
			t.Fatalf("issue %d failed: %v", i, err)
		}
	}
	surviving := storedCode(t, store, testPhone)

	err := v.Issue(ctx, testPhone)
	if !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts on 4th issue, got %v", err)
	}
	if sender.count() != 3 {
		t.Fatalf("expected no SMS for blocked issue, sent=%d", sender.count())
	}
	if got := storedCode(t, store, testPhone); got != surviving {
		t.Fatalf("blocked issue must not replace stored code: %q != %q", got, surviving)
	}

	// The prior code stays usable through the lockout.
	if ok, err := v.Verify(ctx, testPhone, surviving); err != nil || !ok {
		t.Fatalf("expected surviving code to verify, ok=%v err=%v", ok, err)
	}
}

func TestBlockOutlastsIssueWindow(t *testing.T) {
	v, _, mr := newTestVerifier(t, &fakeSender{})
	ctx := canonlog.NewContext(context.Background())

	for i := 0; i < 4; i++ {
		_ = v.Issue(ctx, testPhone)
	}

	// Past the 15m attempt window but inside the 1h block.
	mr.FastForward(20 * time.Minute)
	if err := v.Issue(ctx, testPhone); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected block to outlast attempt window, got %v", err)
	}

	mr.FastForward(45 * time.Minute)
	if err := v.Issue(ctx, testPhone); err != nil {
		t.Fatalf("expected issuance after block elapsed, got %v", err)
	}
}

func TestDeliveryFailureKeepsCodeValid(t *testing.T) {
	sender := &fakeSender{failWith: errors.New("twilio 500")}
	v, store, _ := newTestVerifier(t, sender)
	ctx := canonlog.NewContext(context.Background())

	err := v.Issue(ctx, testPhone)
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}

	code := storedCode(t, store, testPhone)
	if code == "" {
		t.Fatal("expected stored code to survive dispatch failure")
	}
	if ok, err := v.Verify(ctx, testPhone, code); err != nil || !ok {
		t.Fatalf("expected code to verify after dispatch failure, ok=%v err=%v", ok, err)
	}
}

func TestVerifyThrottleLocksOutBruteForce(t *testing.T) {
	v, store, _ := newTestVerifier(t, &fakeSender{})
	ctx := canonlog.NewContext(context.Background())

	if err := v.Issue(ctx, testPhone); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	code := storedCode(t, store, testPhone)

	wrong := "999999"
	if wrong == code {
		wrong = "999998"
	}
	for i := 0; i < 5; i++ {
		if ok, err := v.Verify(ctx, testPhone, wrong); err != nil || ok {
			t.Fatalf("mismatch %d: ok=%v err=%v", i, ok, err)
		}
	}

	// Even the correct code is refused once the attempt budget is gone.
	ok, err := v.Verify(ctx, testPhone, code)
	if ok || !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected lockout, ok=%v err=%v", ok, err)
	}
}

func TestConcurrentIssueSingleSMS(t *testing.T) {
	sender := &fakeSender{delay: 20 * time.Millisecond}
	v, _, _ := newTestVerifier(t, sender)

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			<-start
			results <- v.Issue(canonlog.NewContext(context.Background()), testPhone)
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, kvstore.ErrLockUnavailable):
		default:
			t.Fatalf("unexpected issue error: %v", err)
		}
	}

	if winners < 1 {
		t.Fatal("expected at least one issuance to win the lock")
	}
	if sender.count() != winners {
		t.Fatalf("SMS count %d does not match winners %d", sender.count(), winners)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "+15551234567", false},
		{"+15551234567", "+15551234567", false},
		{"555.123.4567", "5551234567", false},
		{"call-me", "", true},
		{"+1", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizePhone(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidPhoneNumber) {
				t.Fatalf("NormalizePhone(%q): expected ErrInvalidPhoneNumber, got %v", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("NormalizePhone(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}
