package pattern

import (
	"context"
	"fmt"
	"time"
)

const SequenceStageName = "patterns"

// Sequence runs mining to completion before matching, so that matching only
// ever reads patterns and never feeds back into them.
type Sequence struct {
	Miner   *Miner
	Matcher *Matcher
}

func (s *Sequence) Name() string { return SequenceStageName }

func (s *Sequence) Run(ctx context.Context, bucket time.Time) error {
	if err := s.Miner.Run(ctx, bucket); err != nil {
		return fmt.Errorf("mine: %w", err)
	}
	if err := s.Matcher.Run(ctx, bucket); err != nil {
		return fmt.Errorf("match: %w", err)
	}
	return nil
}

func (s *Sequence) Close() {
	s.Miner.Close()
	s.Matcher.Close()
}
