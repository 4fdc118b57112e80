package billing

import (
	"context"
	"errors"

	"smallbiznis-billing/pkg/featureflags"

	"go.uber.org/zap"
)

const prorationFlag = "billing_proration"

// prorationDefault resolves whether a launch without an explicit choice is
// prorated. Concurrent lookups for the same user share one flag request.
func (s *Service) prorationDefault(ctx context.Context, userID string) bool {
	if s.flags == nil {
		return s.cfg.ProrationDefault
	}

	v, err, _ := s.flagGroup.Do(userID, func() (any, error) {
		enabled, found, err := s.flags.Enabled(ctx, userID, prorationFlag)
		if err != nil {
			return nil, err
		}
		if !found {
			return s.cfg.ProrationDefault, nil
		}
		return enabled, nil
	})
	if err != nil {
		if !errors.Is(err, featureflags.ErrDisabled) {
			zap.L().Warn("failed to resolve proration flag, using default", zap.String("user_id", userID), zap.Error(err))
		}
		return s.cfg.ProrationDefault
	}
	return v.(bool)
}
