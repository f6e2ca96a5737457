// File: internal/inject/injector.go
package inject

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/internal/config"
)

// Target is the page surface the injector writes through. Implementations apply each call to
// the element carrying ref and report an error only when the page could not be reached.
type Target interface {
	Focus(ctx context.Context, ref string) error
	Write(ctx context.Context, w Write) error
	Blur(ctx context.Context, ref string) error
	// Sleep pauses execution for a given duration (context-aware).
	Sleep(ctx context.Context, d time.Duration) error
}

// Injector writes values into page fields with a human-like cadence.
type Injector struct {
	logger  *zap.Logger
	cadence config.HumanoidConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates an injector. A disabled cadence writes without any pauses.
func New(logger *zap.Logger, cadence config.HumanoidConfig) *Injector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Injector{
		logger:  logger.Named("injector"),
		cadence: cadence,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetFieldValue focuses the field, pauses briefly, then writes value with the full event sequence.
// It is best effort: the caller re-reads the page to learn whether the value stuck.
func (i *Injector) SetFieldValue(ctx context.Context, t Target, ref, value string) error {
	return i.apply(ctx, t, newWrite(ref, value))
}

// Fill writes code into refs, either whole into a single field or one character per field in
// order, then blurs the last field written. It returns the writes it attempted.
func (i *Injector) Fill(ctx context.Context, t Target, refs []string, code string) ([]Write, error) {
	writes, err := Assign(refs, code)
	if err != nil {
		return nil, err
	}

	for idx, w := range writes {
		if err := i.apply(ctx, t, w); err != nil {
			return writes[:idx], fmt.Errorf("failed to fill field %d of %d: %w", idx+1, len(writes), err)
		}
		if idx < len(writes)-1 {
			if err := t.Sleep(ctx, i.fieldPause()); err != nil {
				return writes[:idx+1], err
			}
		}
	}

	last := writes[len(writes)-1].Ref
	if err := t.Blur(ctx, last); err != nil {
		i.logger.Debug("Blur after fill failed.", zap.String("ref", last), zap.Error(err))
	}
	i.logger.Debug("Fields filled.", zap.Int("fields", len(writes)), zap.Int("length", len(code)))
	return writes, nil
}

func (i *Injector) apply(ctx context.Context, t Target, w Write) error {
	if err := t.Focus(ctx, w.Ref); err != nil {
		return err
	}
	if i.cadence.Enabled && i.cadence.FocusPause > 0 {
		if err := t.Sleep(ctx, i.cadence.FocusPause); err != nil {
			return err
		}
	}
	return t.Write(ctx, w)
}

// fieldPause samples the inter-field delay from a normal distribution clamped at the minimum.
func (i *Injector) fieldPause() time.Duration {
	if !i.cadence.Enabled {
		return 0
	}
	i.mu.Lock()
	randNorm := i.rng.NormFloat64()
	i.mu.Unlock()

	delay := randNorm*i.cadence.KeyPauseStdDevMs + i.cadence.KeyPauseMeanMs
	delay = math.Max(i.cadence.KeyPauseMinMs, delay)
	return time.Duration(delay * float64(time.Millisecond))
}
