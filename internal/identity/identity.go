// Package identity resolves external handles (usernames, phone numbers) to
// the stable participant ids assigned by the account service. It never
// creates identities.
package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/eldtechnologies/pairchat/internal/models"
)

// ErrUnknownIdentity means the account service has no record for a handle.
var ErrUnknownIdentity = errors.New("unknown identity")

// Resolver maps an external handle to a participant identity.
type Resolver interface {
	Resolve(ctx context.Context, handle string) (string, error)
}

// handleRegex accepts usernames and E.164-style phone numbers.
var handleRegex = regexp.MustCompile(`^\+?[a-zA-Z0-9._@-]{1,64}$`)

// Normalize trims a handle and drops control characters.
func Normalize(handle string) string {
	handle = strings.TrimSpace(handle)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, handle)
}

// Passthrough treats every well-formed handle as its own identity. It is
// meant for development and for deployments where the gateway sits behind
// an authenticating proxy that already issued the handle.
type Passthrough struct{}

// Resolve returns the normalized handle.
func (Passthrough) Resolve(ctx context.Context, handle string) (string, error) {
	handle = Normalize(handle)
	if !handleRegex.MatchString(handle) {
		return "", fmt.Errorf("%w: %q", ErrUnknownIdentity, handle)
	}
	return handle, nil
}

// ParticipantLookup is implemented by the SQL stores, which read the
// participants table synced from the account service.
type ParticipantLookup interface {
	ParticipantByHandle(ctx context.Context, handle string) (*models.Participant, error)
}

// Database resolves handles through a participants table.
type Database struct {
	lookup ParticipantLookup
}

// NewDatabase creates a resolver backed by lookup.
func NewDatabase(lookup ParticipantLookup) *Database {
	return &Database{lookup: lookup}
}

// Resolve returns the participant id for handle.
func (d *Database) Resolve(ctx context.Context, handle string) (string, error) {
	handle = Normalize(handle)
	if handle == "" {
		return "", ErrUnknownIdentity
	}
	p, err := d.lookup.ParticipantByHandle(ctx, handle)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownIdentity, handle)
	}
	return p.ID, nil
}
