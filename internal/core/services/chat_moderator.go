package services

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const DefaultBlocklistPattern = `(?i)badword|spam`

// ChatModerator rejects empty, oversized or blocklisted chat messages.
type ChatModerator struct {
	blocklist *regexp.Regexp
	maxLength int
}

// NewChatModerator compiles pattern. An empty pattern disables the blocklist;
// maxLength <= 0 disables the length check.
func NewChatModerator(pattern string, maxLength int) (*ChatModerator, error) {
	m := &ChatModerator{maxLength: maxLength}
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid chat blocklist pattern: %w", err)
		}
		m.blocklist = re
	}
	return m, nil
}

func (m *ChatModerator) Check(message string) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("message cannot be empty")
	}
	if m.maxLength > 0 && utf8.RuneCountInString(message) > m.maxLength {
		return fmt.Errorf("message exceeds %d characters", m.maxLength)
	}
	if m.blocklist != nil && m.blocklist.MatchString(message) {
		return fmt.Errorf("message rejected by moderation")
	}
	return nil
}
