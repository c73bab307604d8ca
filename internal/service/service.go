package service

import (
	"context"
	"errors"
	"fmt"

	"session_service/internal/models"
)

var (
	// ErrUnauthorized marks a 401 from the users service: the session is no
	// longer valid server-side. It is never retried.
	ErrUnauthorized = errors.New("session expired, please login again")
	// ErrUnavailable marks transport failures (no response at all).
	ErrUnavailable = errors.New("users service unavailable")
)

// APIError is a non-2xx, non-401 answer of the users service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("users service: %s (status %d)", e.Message, e.Status)
}

// Service is the contract of the remote users/auth service the session layer
// depends on. Calls that need a session take the bearer token explicitly.
type Service interface {
	Login(ctx context.Context, email, password string) (models.LoginResponse, error)
	Logout(ctx context.Context, token string) error
	GetMyProfile(ctx context.Context, token string) (models.UserProfile, error)
	RefreshToken(ctx context.Context, refreshToken string) (models.TokenResponse, error)
	UpdateProfile(ctx context.Context, token string, req models.UpdateProfileRequest) (models.UserProfile, error)

	Register(ctx context.Context, req models.RegisterRequest) (models.RegisterResponse, error)
	VerifyAccount(ctx context.Context, email, code string) (models.MessageResponse, error)
	ResendVerificationCode(ctx context.Context, email string) (models.MessageResponse, error)
	ForgotPassword(ctx context.Context, email string) (models.MessageResponse, error)
	ResetPassword(ctx context.Context, email, token, newPassword string) (models.MessageResponse, error)
}

// IsUnauthorized reports whether err carries the 401 signal.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// Message returns the text a page should show for err.
func Message(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &apiErr):
		return apiErr.Message
	case errors.Is(err, ErrUnauthorized):
		return ErrUnauthorized.Error()
	case errors.Is(err, ErrUnavailable):
		return "Network error occurred"
	default:
		return "An error occurred. Please try again."
	}
}
