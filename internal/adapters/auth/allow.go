// Package auth provides room admission policies: an open policy for
// development and a JWT policy for deployments that issue room tokens.
package auth

import (
	"context"

	"github.com/bugcanvas/annotsync/internal/core"
)

// AllowAll admits every join request.
type AllowAll struct{}

func (AllowAll) CanJoinRoom(_ context.Context, _ core.JoinRequest) (bool, error) {
	return true, nil
}
