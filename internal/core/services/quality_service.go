package services

import (
	"sort"
	"strings"

	"castrelay/internal/core/domain"
)

// QualityService resolves named tiers to encoder parameters. The broadcaster
// applies a tier to its single outgoing encoding, so a viewer preference is
// only a hint.
type QualityService struct {
	tiers map[string]domain.QualityTier
}

func NewQualityService() *QualityService {
	return &QualityService{
		tiers: map[string]domain.QualityTier{
			domain.QualityHigh: {
				Name:       domain.QualityHigh,
				Width:      1280,
				Height:     720,
				FrameRate:  30,
				MaxBitrate: 2500,
			},
			domain.QualityMedium: {
				Name:       domain.QualityMedium,
				Width:      854,
				Height:     480,
				FrameRate:  30,
				MaxBitrate: 1000,
			},
			domain.QualityLow: {
				Name:       domain.QualityLow,
				Width:      640,
				Height:     360,
				FrameRate:  15,
				MaxBitrate: 500,
			},
		},
	}
}

// Tier looks up a tier by name. "auto" resolves to high.
func (qs *QualityService) Tier(name string) (domain.QualityTier, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == domain.QualityAuto {
		name = domain.QualityHigh
	}
	tier, ok := qs.tiers[name]
	return tier, ok
}

// Tiers returns all tiers from highest to lowest bitrate.
func (qs *QualityService) Tiers() []domain.QualityTier {
	out := make([]domain.QualityTier, 0, len(qs.tiers))
	for _, t := range qs.tiers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MaxBitrate > out[j].MaxBitrate })
	return out
}

// ForBandwidth picks the best tier whose bitrate fits into the available
// bandwidth in kbps, falling back to the lowest tier.
func (qs *QualityService) ForBandwidth(kbps int) domain.QualityTier {
	tiers := qs.Tiers()
	for _, t := range tiers {
		if kbps >= t.MaxBitrate {
			return t
		}
	}
	return tiers[len(tiers)-1]
}
