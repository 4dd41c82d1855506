// Package dedup rejects posts whose content was already sent recently or is
// already waiting in the queue.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultWindow    = 5 * time.Minute
	DefaultThreshold = 0.9
)

// SentStore records hashes of successfully sent content.
type SentStore interface {
	// ContainsSince reports whether hash was recorded at or after since.
	ContainsSince(ctx context.Context, hash string, since time.Time) (bool, error)
	RecordSent(ctx context.Context, hash string, at time.Time) error
	// PurgeSent removes hashes recorded before the given time.
	PurgeSent(ctx context.Context, before time.Time) (int, error)
}

type Index struct {
	store     SentStore
	window    time.Duration
	threshold float64
	now       func() time.Time
}

type Option func(*Index)

func WithWindow(d time.Duration) Option {
	return func(i *Index) {
		if d > 0 {
			i.window = d
		}
	}
}

// WithThreshold sets the similarity above which a queued entry counts as a duplicate.
func WithThreshold(t float64) Option {
	return func(i *Index) {
		if t > 0 && t <= 1 {
			i.threshold = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Index) {
		if now != nil {
			i.now = now
		}
	}
}

func NewIndex(store SentStore, opts ...Option) *Index {
	i := &Index{
		store:     store,
		window:    DefaultWindow,
		threshold: DefaultThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Index) Window() time.Duration { return i.window }

// IsDuplicate reports whether text was sent within the window, or matches
// (exactly or nearly) one of the queued payloads.
func (i *Index) IsDuplicate(ctx context.Context, text string, queued []string) (bool, error) {
	norm := Normalize(text)
	hash := Hash(norm)

	for _, q := range queued {
		qn := Normalize(q)
		if qn == norm {
			return true, nil
		}
		if Similarity(qn, norm) > i.threshold {
			return true, nil
		}
	}

	return i.store.ContainsSince(ctx, hash, i.now().Add(-i.window))
}

// RecordSuccess marks text as sent now. Only call after a confirmed send.
func (i *Index) RecordSuccess(ctx context.Context, text string) error {
	return i.store.RecordSent(ctx, Hash(Normalize(text)), i.now())
}

// Sweep purges hashes that fell out of the window as of now.
func (i *Index) Sweep(ctx context.Context, now time.Time) (int, error) {
	n, err := i.store.PurgeSent(ctx, now.Add(-i.window))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Debug().Int("purged", n).Msg("dedup window swept")
	}
	return n, nil
}

// Normalize trims, lowercases and collapses runs of whitespace.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Hash returns the hex SHA-256 digest of already normalized text.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Similarity is the Jaccard index of the whitespace token sets of a and b.
func Similarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}

	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
