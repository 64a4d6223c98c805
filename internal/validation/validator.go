package validation

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/devrev/ringdb/internal/errors"
)

const (
	// Size limits
	MaxKeySize   = 20        // bytes
	MaxValueSize = 64 * 1024 // 64 KB, below the default frame limit
)

// Validator validates client requests before they reach cache or store
type Validator struct {
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxValueSize int) *Validator {
	return &Validator{
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
	}
}

// ValidateWrite validates a put
func (v *Validator) ValidateWrite(key string, value []byte) error {
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	return v.ValidateValue(value)
}

// ValidateKey validates a key
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidKey(key, "key cannot be empty")
	}

	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}

	if !utf8.ValidString(key) {
		return errors.InvalidKey(key, "key must be valid UTF-8")
	}

	// Spaces would split the frame
	for _, r := range key {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return errors.InvalidKey(key, "key cannot contain whitespace or control characters")
		}
	}

	if strings.Contains(key, "\x00") {
		return errors.InvalidKey(key, "key cannot contain null bytes")
	}

	return nil
}

// ValidateValue validates a value. Nil and empty values are deletes.
func (v *Validator) ValidateValue(value []byte) error {
	if len(value) > v.maxValueSize {
		return errors.ValueTooLarge(len(value), v.maxValueSize)
	}
	if strings.Contains(string(value), "\r\n") {
		return errors.Protocol("value cannot contain a frame terminator", nil)
	}
	return nil
}
