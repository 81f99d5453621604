package reliability

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pvanvliet16/jentrata-VIB/internal/storage"
	"github.com/pvanvliet16/jentrata-VIB/pkg/cpa"
)

// Recorder is the part of the message store the tracker needs.
type Recorder interface {
	Insert(ctx context.Context, msg *storage.Message) error
	Supersede(ctx context.Context, msg *storage.Message, failedID string) error
	FindByMessageID(ctx context.Context, messageID string, direction storage.Direction) (*storage.Message, error)
}

// Claim is the outcome of Tracker.Claim.
type Claim struct {
	// Duplicate reports whether the delivery repeats an earlier one
	// within the policy's check window.
	Duplicate bool
	// Original is the first delivery of the same message id, set whenever
	// one exists, even outside the check window or with detection off.
	Original *storage.Message
	// Superseded is the FAILED delivery this one replaced as original.
	Superseded *storage.Message
}

// OriginalMessageID returns the message id a receipt should reference.
func (c Claim) OriginalMessageID() string {
	if c.Original == nil {
		return ""
	}
	return c.Original.MessageID
}

// maxClaimAttempts bounds the retries when concurrent deliveries race for
// a failed original.
const maxClaimAttempts = 3

// Tracker implements duplicate detection on top of the message store. The
// store's unique (message id, direction) constraint makes the check and the
// insert one atomic step.
type Tracker struct {
	store Recorder
	now   func() time.Time
}

// NewTracker creates a tracker over store.
func NewTracker(store Recorder) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// Claim records msg and reports whether it is a duplicate under policy.
// msg must carry a record ID; on a conflict it is stored with DuplicateOf
// set to the original record.
//
// An original that ended FAILED never makes a later delivery a duplicate.
// The later delivery supersedes it and is processed as the original.
func (t *Tracker) Claim(ctx context.Context, msg *storage.Message, policy *cpa.ReceptionAwareness) (Claim, error) {
	if msg.MessageID == "" {
		return Claim{}, fmt.Errorf("claim: empty message id")
	}

	var original *storage.Message
	for attempt := 1; ; attempt++ {
		msg.DuplicateOf = ""
		err := t.store.Insert(ctx, msg)
		if err == nil {
			return Claim{}, nil
		}
		if !errors.Is(err, storage.ErrDuplicateMessage) {
			return Claim{}, fmt.Errorf("claim %s: %w", msg.MessageID, err)
		}

		original, err = t.store.FindByMessageID(ctx, msg.MessageID, msg.Direction)
		if errors.Is(err, storage.ErrNotFound) && attempt < maxClaimAttempts {
			continue
		}
		if err != nil {
			return Claim{}, fmt.Errorf("claim %s: find original: %w", msg.MessageID, err)
		}
		if original.Status != storage.StatusFailed || attempt == maxClaimAttempts {
			break
		}

		err = t.store.Supersede(ctx, msg, original.ID)
		if err == nil {
			return Claim{Superseded: original}, nil
		}
		if !errors.Is(err, storage.ErrDuplicateMessage) {
			return Claim{}, fmt.Errorf("claim %s: supersede %s: %w", msg.MessageID, original.ID, err)
		}
	}

	msg.DuplicateOf = original.ID
	if err := t.store.Insert(ctx, msg); err != nil {
		return Claim{}, fmt.Errorf("claim %s: record redelivery: %w", msg.MessageID, err)
	}

	claim := Claim{Original: original}
	if original.Status == storage.StatusFailed {
		// Lost every race for the failed slot; let the winner deliver.
		claim.Duplicate = true
		return claim, nil
	}
	if policy.DuplicateDetectionEnabled() {
		window, err := ParseWindow(policy.CheckWindow())
		if err != nil {
			return Claim{}, err
		}
		claim.Duplicate = window == 0 || t.now().Sub(original.Timestamp) <= window
	}
	return claim, nil
}

// ParseWindow parses a duplicate check window. It accepts a number followed
// by D (days), H (hours), M (minutes) or S (seconds), case-insensitive, or
// any Go duration. Empty means unlimited and yields zero.
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("invalid check window %q", s)
		}
		return d, nil
	}

	unit := map[byte]time.Duration{
		'D': 24 * time.Hour,
		'H': time.Hour,
		'M': time.Minute,
		'S': time.Second,
	}[strings.ToUpper(s[len(s)-1:])[0]]
	n, err := strconv.Atoi(s[:len(s)-1])
	if unit == 0 || err != nil || n < 0 {
		return 0, fmt.Errorf("invalid check window %q", s)
	}
	return time.Duration(n) * unit, nil
}

// RetryPolicy spaces out redelivery attempts for one agreement.
type RetryPolicy struct {
	MaxRetries int
	Interval   time.Duration
	Multiplier float64
}

// NewRetryPolicy reads the retry parameters of policy. Without retry
// configuration the policy allows no retries.
func NewRetryPolicy(policy *cpa.ReceptionAwareness) RetryPolicy {
	if !policy.RetryEnabled() {
		return RetryPolicy{}
	}
	return RetryPolicy{
		MaxRetries: policy.MaxRetries(),
		Interval:   policy.RetryPeriod(),
		Multiplier: 1,
	}
}

// Next reports whether another attempt is allowed after the given number of
// failed attempts, and how long to wait before it.
func (p RetryPolicy) Next(attempts int) (bool, time.Duration) {
	if attempts > p.MaxRetries || attempts < 1 {
		return false, 0
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	return true, time.Duration(float64(p.Interval) * multiplier * float64(attempts))
}
