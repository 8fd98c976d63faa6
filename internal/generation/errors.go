package generation

import "fmt"

// APICallError represents a failed call to the text generation service
type APICallError struct {
	Message string
	Cause   error
}

func (e *APICallError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("generation call failed: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("generation call failed: %s", e.Message)
}

func (e *APICallError) Unwrap() error {
	return e.Cause
}

// ParseError represents a response that could not be turned into a Result
type ParseError struct {
	Message string
	Raw     string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("generation parse error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("generation parse error: %s", e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}
