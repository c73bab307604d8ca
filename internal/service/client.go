package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid"

	"session_service/internal/models"
)

const (
	loginPath        = "/api/v1/users/login"
	logoutPath       = "/api/v1/users/logout"
	mePath           = "/api/v1/users/me"
	refreshPath      = "/api/v1/users/refresh-token"
	profilePath      = "/api/v1/users/profile"
	registerPath     = "/api/v1/users/register"
	verifyPath       = "/api/v1/users/verify-account"
	resendCodePath   = "/api/v1/users/resend-verification-code"
	forgotPassPath   = "/api/v1/users/forgot-password"
	resetPassPath    = "/api/v1/users/reset-password"
	maxErrorBodySize = 64 << 10
)

// Client talks JSON over HTTP to the users service.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	op := "service." + method + " " + path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	requestID, err := uuid.NewV4()
	if err == nil {
		req.Header.Set("X-Request-ID", requestID.String())
	}

	log := c.log.With(slog.String("op", op), slog.String("request_id", req.Header.Get("X-Request-ID")))

	resp, err := c.http.Do(req)
	if err != nil {
		log.Error("request failed", slog.Any("error", err))
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	log.Debug("response", slog.Int("status", resp.StatusCode))

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodySize)).Decode(&eb)

		msg := eb.Message
		if msg == "" {
			msg = eb.Error
		}
		if msg == "" {
			msg = fmt.Sprintf("Request failed with status %d", resp.StatusCode)
		}
		log.Warn("users service rejected request", slog.Int("status", resp.StatusCode), slog.String("message", msg))
		return fmt.Errorf("%s: %w", op, &APIError{Status: resp.StatusCode, Message: msg})
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) Login(ctx context.Context, email, password string) (models.LoginResponse, error) {
	var resp models.LoginResponse
	err := c.do(ctx, http.MethodPost, loginPath, "", map[string]string{
		"email":    email,
		"password": password,
	}, &resp)
	return resp, err
}

func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, logoutPath, token, nil, nil)
}

type profileEnvelope struct {
	Message string             `json:"message,omitempty"`
	User    models.UserProfile `json:"user"`
}

func (c *Client) GetMyProfile(ctx context.Context, token string) (models.UserProfile, error) {
	var resp profileEnvelope
	err := c.do(ctx, http.MethodGet, mePath, token, nil, &resp)
	return resp.User, err
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (models.TokenResponse, error) {
	var resp models.TokenResponse
	err := c.do(ctx, http.MethodPost, refreshPath, "", map[string]string{
		"refreshToken": refreshToken,
	}, &resp)
	if err == nil && resp.Token == "" {
		err = fmt.Errorf("service.RefreshToken: %w", &APIError{Status: http.StatusBadGateway, Message: "refresh response carries no token"})
	}
	return resp, err
}

func (c *Client) UpdateProfile(ctx context.Context, token string, req models.UpdateProfileRequest) (models.UserProfile, error) {
	var resp profileEnvelope
	err := c.do(ctx, http.MethodPut, profilePath, token, req, &resp)
	return resp.User, err
}

func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (models.RegisterResponse, error) {
	var resp models.RegisterResponse
	err := c.do(ctx, http.MethodPost, registerPath, "", req, &resp)
	return resp, err
}

func (c *Client) VerifyAccount(ctx context.Context, email, code string) (models.MessageResponse, error) {
	var resp models.MessageResponse
	err := c.do(ctx, http.MethodPost, verifyPath, "", map[string]string{
		"email": email,
		"code":  code,
	}, &resp)
	return resp, err
}

func (c *Client) ResendVerificationCode(ctx context.Context, email string) (models.MessageResponse, error) {
	var resp models.MessageResponse
	err := c.do(ctx, http.MethodPost, resendCodePath, "", map[string]string{"email": email}, &resp)
	return resp, err
}

func (c *Client) ForgotPassword(ctx context.Context, email string) (models.MessageResponse, error) {
	var resp models.MessageResponse
	err := c.do(ctx, http.MethodPost, forgotPassPath, "", map[string]string{"email": email}, &resp)
	return resp, err
}

func (c *Client) ResetPassword(ctx context.Context, email, token, newPassword string) (models.MessageResponse, error) {
	var resp models.MessageResponse
	err := c.do(ctx, http.MethodPost, resetPassPath, "", map[string]string{
		"email":       email,
		"token":       token,
		"newPassword": newPassword,
	}, &resp)
	return resp, err
}
