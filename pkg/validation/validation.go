package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RequestIDRegex validates client-generated request correlation IDs
	RequestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// CommandNameRegex validates command names
	CommandNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

	// AgentIDRegex validates agent identifiers
	AgentIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateCredential validates a connect credential. Empty is allowed here;
// whether anonymous access is permitted is an auth policy decision.
func ValidateCredential(credential string) error {
	if len(credential) > 2048 {
		return fmt.Errorf("credential is too long (max 2048 characters)")
	}
	if credential != strings.TrimSpace(credential) {
		return fmt.Errorf("credential must not have leading or trailing whitespace")
	}
	return nil
}

// ValidateRequestID validates a command correlation ID
func ValidateRequestID(requestID string) error {
	if requestID == "" {
		return fmt.Errorf("request ID is required")
	}
	if len(requestID) > 100 {
		return fmt.Errorf("request ID is too long (max 100 characters)")
	}
	if !RequestIDRegex.MatchString(requestID) {
		return fmt.Errorf("invalid request ID format")
	}
	return nil
}

// ValidateCommandName validates a command name
func ValidateCommandName(command string) error {
	if command == "" {
		return fmt.Errorf("command name is required")
	}
	if len(command) > 64 {
		return fmt.Errorf("command name is too long (max 64 characters)")
	}
	if !CommandNameRegex.MatchString(command) {
		return fmt.Errorf("invalid command name format")
	}
	return nil
}

// ValidateAgentID validates an agent identifier
func ValidateAgentID(agentID string) error {
	if agentID == "" {
		return fmt.Errorf("agent ID is required")
	}
	if len(agentID) > 100 {
		return fmt.Errorf("agent ID is too long (max 100 characters)")
	}
	if !AgentIDRegex.MatchString(agentID) {
		return fmt.Errorf("invalid agent ID format")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateHistoryLimit validates a history/alert query limit
func ValidateHistoryLimit(limit int) error {
	if limit < 1 {
		return fmt.Errorf("limit must be at least 1")
	}
	if limit > 1000 {
		return fmt.Errorf("limit is too high (max 1000)")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
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
