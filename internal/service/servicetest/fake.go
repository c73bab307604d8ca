// Package servicetest provides an in-process users service for tests of the
// layers above the client.
package servicetest

import (
	"context"
	"sync"

	"session_service/internal/models"
	"session_service/internal/service"
)

// Fake implements service.Service. Nil hooks answer with zero values; every
// call is counted by method name.
type Fake struct {
	LoginFn         func(ctx context.Context, email, password string) (models.LoginResponse, error)
	LogoutFn        func(ctx context.Context, token string) error
	GetMyProfileFn  func(ctx context.Context, token string) (models.UserProfile, error)
	RefreshTokenFn  func(ctx context.Context, refreshToken string) (models.TokenResponse, error)
	UpdateProfileFn func(ctx context.Context, token string, req models.UpdateProfileRequest) (models.UserProfile, error)
	RegisterFn      func(ctx context.Context, req models.RegisterRequest) (models.RegisterResponse, error)
	VerifyFn        func(ctx context.Context, email, code string) (models.MessageResponse, error)
	ResendFn        func(ctx context.Context, email string) (models.MessageResponse, error)
	ForgotFn        func(ctx context.Context, email string) (models.MessageResponse, error)
	ResetFn         func(ctx context.Context, email, token, newPassword string) (models.MessageResponse, error)

	mu     sync.Mutex
	calls  map[string]int
	tokens []string
}

var _ service.Service = (*Fake)(nil)

func (f *Fake) record(method, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[method]++
	if token != "" {
		f.tokens = append(f.tokens, token)
	}
}

// Calls returns how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Tokens returns every bearer or refresh token the fake was handed, in order.
func (f *Fake) Tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

func (f *Fake) Login(ctx context.Context, email, password string) (models.LoginResponse, error) {
	f.record("Login", "")
	if f.LoginFn == nil {
		return models.LoginResponse{}, nil
	}
	return f.LoginFn(ctx, email, password)
}

func (f *Fake) Logout(ctx context.Context, token string) error {
	f.record("Logout", token)
	if f.LogoutFn == nil {
		return nil
	}
	return f.LogoutFn(ctx, token)
}

func (f *Fake) GetMyProfile(ctx context.Context, token string) (models.UserProfile, error) {
	f.record("GetMyProfile", token)
	if f.GetMyProfileFn == nil {
		return models.UserProfile{}, nil
	}
	return f.GetMyProfileFn(ctx, token)
}

func (f *Fake) RefreshToken(ctx context.Context, refreshToken string) (models.TokenResponse, error) {
	f.record("RefreshToken", refreshToken)
	if f.RefreshTokenFn == nil {
		return models.TokenResponse{}, nil
	}
	return f.RefreshTokenFn(ctx, refreshToken)
}

func (f *Fake) UpdateProfile(ctx context.Context, token string, req models.UpdateProfileRequest) (models.UserProfile, error) {
	f.record("UpdateProfile", token)
	if f.UpdateProfileFn == nil {
		return models.UserProfile{}, nil
	}
	return f.UpdateProfileFn(ctx, token, req)
}

func (f *Fake) Register(ctx context.Context, req models.RegisterRequest) (models.RegisterResponse, error) {
	f.record("Register", "")
	if f.RegisterFn == nil {
		return models.RegisterResponse{}, nil
	}
	return f.RegisterFn(ctx, req)
}

func (f *Fake) VerifyAccount(ctx context.Context, email, code string) (models.MessageResponse, error) {
	f.record("VerifyAccount", "")
	if f.VerifyFn == nil {
		return models.MessageResponse{}, nil
	}
	return f.VerifyFn(ctx, email, code)
}

func (f *Fake) ResendVerificationCode(ctx context.Context, email string) (models.MessageResponse, error) {
	f.record("ResendVerificationCode", "")
	if f.ResendFn == nil {
		return models.MessageResponse{}, nil
	}
	return f.ResendFn(ctx, email)
}

func (f *Fake) ForgotPassword(ctx context.Context, email string) (models.MessageResponse, error) {
	f.record("ForgotPassword", "")
	if f.ForgotFn == nil {
		return models.MessageResponse{}, nil
	}
	return f.ForgotFn(ctx, email)
}

func (f *Fake) ResetPassword(ctx context.Context, email, token, newPassword string) (models.MessageResponse, error) {
	f.record("ResetPassword", "")
	if f.ResetFn == nil {
		return models.MessageResponse{}, nil
	}
	return f.ResetFn(ctx, email, token, newPassword)
}

// VerifiedLogin answers every login with a verified account of the given
// user type and tokens.
func VerifiedLogin(userID, name string, userType int, token, refresh string) func(context.Context, string, string) (models.LoginResponse, error) {
	return func(_ context.Context, email, _ string) (models.LoginResponse, error) {
		return models.LoginResponse{
			UserID:       userID,
			Name:         name,
			Email:        email,
			UserType:     userType,
			IsVerified:   true,
			Token:        token,
			RefreshToken: refresh,
		}, nil
	}
}
