package domain

import "fmt"

// QualityTier is an encoding profile a broadcaster can apply to its single
// outgoing encoding.
type QualityTier struct {
	Name       string `json:"name"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FrameRate  int    `json:"frameRate"`
	MaxBitrate int    `json:"maxBitrate"` // kbps
}

const (
	QualityAuto   = "auto"
	QualityLow    = "low"
	QualityMedium = "medium"
	QualityHigh   = "high"
)

// Resolution formats the tier as WIDTHxHEIGHT.
func (q QualityTier) Resolution() string {
	if q.Width == 0 || q.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", q.Width, q.Height)
}
