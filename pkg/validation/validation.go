package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// RoomIDRegex matches room (stream) identifiers.
var RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

const (
	MaxRoomIDLength = 128
	MaxStrokeWidth  = 100
	MaxColorLength  = 64
)

func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	if len(roomID) > MaxRoomIDLength {
		return fmt.Errorf("room id is too long (max %d characters)", MaxRoomIDLength)
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room id format")
	}
	return nil
}

// ValidateUsername checks a display name. Whitespace around it is ignored.
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if !utf8.ValidString(username) {
		return fmt.Errorf("username contains invalid characters")
	}
	return nil
}

func ValidateQuality(quality string) error {
	switch quality {
	case "low", "medium", "high", "auto":
		return nil
	}
	return fmt.Errorf("invalid quality level (must be low, medium, high or auto)")
}

// ValidateColor bounds a stroke color. Any CSS color is accepted and an
// empty one means the client default.
func ValidateColor(color string) error {
	if len(color) > MaxColorLength {
		return fmt.Errorf("color is too long (max %d characters)", MaxColorLength)
	}
	return nil
}

// ValidateStrokeWidth accepts zero as "unset".
func ValidateStrokeWidth(width float64) error {
	if width < 0 || width > MaxStrokeWidth {
		return fmt.Errorf("stroke width must be within [0,%d]", MaxStrokeWidth)
	}
	return nil
}

// ValidateICEURL accepts stun:, stuns:, turn: and turns: URIs.
func ValidateICEURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid ICE server URL: %w", err)
	}
	switch u.Scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("invalid ICE server scheme %q", u.Scheme)
	}
	if u.Opaque == "" {
		return fmt.Errorf("ICE server URL must have a host")
	}
	return nil
}

// ValidateSignalURL accepts ws:// and wss:// endpoints.
func ValidateSignalURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
