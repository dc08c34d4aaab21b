// Package persona defines the named, reusable system-prompt presets a
// conversation can be bound to.
package persona

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Persona is a saved system-prompt configuration.
type Persona struct {
	ID            string
	Name          string
	Alias         string
	SystemMessage string
	CreatedAt     time.Time
}

var (
	ErrNameRequired          = errors.New("persona name is required")
	ErrSystemMessageRequired = errors.New("persona system message is required")
)

// New creates a persona with a fresh ID.
func New(name, alias, systemMessage string) (Persona, error) {
	if name == "" {
		return Persona{}, ErrNameRequired
	}
	if systemMessage == "" {
		return Persona{}, ErrSystemMessageRequired
	}
	return Persona{
		ID:            uuid.NewString(),
		Name:          name,
		Alias:         alias,
		SystemMessage: systemMessage,
		CreatedAt:     time.Now(),
	}, nil
}
