package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"session_service/internal/credstore"
	"session_service/internal/models"
	"session_service/internal/service"
	"session_service/internal/session"
	"session_service/internal/validation"
)

const sessionKey = "session"

type Paths struct {
	Login        string
	PostLogin    string
	Verification string
}

type Handler struct {
	api       service.Service
	backends  BackendFactory
	paths     Paths
	leeway    time.Duration
	validator *validation.Validator
	log       *slog.Logger
}

func NewHandler(api service.Service, backends BackendFactory, paths Paths, leeway time.Duration, lgr *slog.Logger) *Handler {
	return &Handler{
		api:       api,
		backends:  backends,
		paths:     paths,
		leeway:    leeway,
		validator: validation.New(),
		log:       lgr,
	}
}

type errorResponse struct {
	Message  string            `json:"message"`
	Redirect string            `json:"redirect,omitempty"`
	Errors   map[string]string `json:"errors,omitempty"`
}

type sessionResponse struct {
	Authenticated bool                  `json:"authenticated"`
	User          *models.SessionRecord `json:"user"`
	Message       string                `json:"message,omitempty"`
	Redirect      string                `json:"redirect,omitempty"`
}

type messageResponse struct {
	Message  string `json:"message"`
	Redirect string `json:"redirect,omitempty"`
}

func newErrorResponse(c *gin.Context, statusCode int, errMessage string) {
	c.AbortWithStatusJSON(statusCode, errorResponse{Message: errMessage})
}

// requestSession is the session manager bound to one HTTP exchange.
type requestSession struct {
	*session.Manager
	nav     *redirectRecorder
	scratch *credstore.Scratch
}

type redirectRecorder struct {
	path string
}

func (r *redirectRecorder) Redirect(path string) { r.path = path }

func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/options", h.Options)

	s := router.Group("/session")
	s.Use(h.SessionMiddleware())
	{
		s.GET("", h.Current)
		s.POST("/login", h.Login)
		s.POST("/logout", h.Logout)
		s.POST("/register", h.Register)
		s.POST("/verify", h.Verify)
		s.POST("/verify/resend", h.ResendCode)
		s.POST("/password/forgot", h.ForgotPassword)
		s.POST("/password/reset", h.ResetPassword)

		authed := s.Group("")
		authed.Use(h.RequireAuth())
		{
			authed.POST("/refresh", h.Refresh)
			authed.POST("/token", h.RefreshToken)
			authed.PUT("/profile", h.UpdateProfile)
		}
	}

	return router
}

// SessionMiddleware builds the session manager of the calling client and
// loads its persisted state. Inconsistent cookies are healed on every hit.
func (h *Handler) SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "handler.SessionMiddleware"

		backend, err := h.backends(c.Writer, c.Request)
		if err != nil {
			h.log.Error("failed to open credential backend", slog.String("op", op), slog.Any("error", err))
			newErrorResponse(c, http.StatusInternalServerError, "internal error")
			return
		}

		nav := &redirectRecorder{}
		scratch := credstore.NewScratch(backend, credstore.SlotPendingVerificationEmail)
		mgr := session.New(credstore.New(backend, h.log), h.api, session.Options{
			LoginPath:     h.paths.Login,
			RefreshLeeway: h.leeway,
			Navigator:     nav,
			Scratch:       []session.Clearer{scratch},
			Validator:     h.validator,
			Logger:        h.log,
		})
		mgr.Init(c.Request.Context())

		c.Set(sessionKey, &requestSession{Manager: mgr, nav: nav, scratch: scratch})
		c.Next()
	}
}

// RequireAuth answers 401 with a redirect to the login page when the client
// has no session.
func (h *Handler) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessionOf(c)
		if !sess.IsAuthenticated() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{
				Message:  "not authenticated",
				Redirect: sess.LoginPath(),
			})
			return
		}
		c.Next()
	}
}

func sessionOf(c *gin.Context) *requestSession {
	return c.MustGet(sessionKey).(*requestSession)
}

// GET /options
func (h *Handler) Options(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"categories":          models.Categories,
		"experienceLevels":    models.ExperienceLevels(),
		"jobTypes":            models.JobTypes(),
		"applicationStatuses": models.ApplicationStatuses(),
	})
}

// GET /session
func (h *Handler) Current(c *gin.Context) {
	sess := sessionOf(c)
	c.JSON(http.StatusOK, sessionResponse{
		Authenticated: sess.IsAuthenticated(),
		User:          sess.CurrentUser(),
	})
}

// POST /session/login
func (h *Handler) Login(c *gin.Context) {
	const op = "handler.Login"

	log := h.log.With(slog.String("op", op))
	sess := sessionOf(c)

	var form validation.LoginForm
	if err := c.ShouldBindJSON(&form); err != nil {
		log.Error("failed to unmarshal login form", slog.Any("error", err))
		newErrorResponse(c, http.StatusBadRequest, "wrong request format")
		return
	}

	user, err := sess.SignIn(c.Request.Context(), form.Email, form.Password)
	if errors.Is(err, session.ErrAccountUnverified) {
		if serr := sess.scratch.Set(c.Request.Context(), credstore.SlotPendingVerificationEmail, user.Email); serr != nil {
			log.Warn("failed to remember pending verification email", slog.Any("error", serr))
		}
		c.JSON(http.StatusForbidden, errorResponse{
			Message:  "Please verify your account first. Check your email for the verification code.",
			Redirect: h.verificationURL(user.Category, user.Email),
		})
		return
	}
	if err != nil {
		h.fail(c, sess, err)
		return
	}

	c.JSON(http.StatusOK, sessionResponse{
		Authenticated: true,
		User:          user,
		Message:       "Login successful! Redirecting...",
		Redirect:      h.paths.PostLogin,
	})
}

// POST /session/logout
func (h *Handler) Logout(c *gin.Context) {
	sess := sessionOf(c)
	sess.Logout(c.Request.Context())

	c.JSON(http.StatusOK, messageResponse{Message: "Logged out successfully", Redirect: sess.nav.path})
}

// POST /session/refresh
func (h *Handler) Refresh(c *gin.Context) {
	sess := sessionOf(c)
	sess.RefreshUserData(c.Request.Context())

	if !sess.IsAuthenticated() {
		h.fail(c, sess, session.ErrNotAuthenticated)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Authenticated: true, User: sess.CurrentUser()})
}

// POST /session/token
func (h *Handler) RefreshToken(c *gin.Context) {
	sess := sessionOf(c)

	if err := sess.RefreshToken(c.Request.Context()); err != nil {
		h.fail(c, sess, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Authenticated: true, User: sess.CurrentUser()})
}

// PUT /session/profile
func (h *Handler) UpdateProfile(c *gin.Context) {
	const op = "handler.UpdateProfile"

	log := h.log.With(slog.String("op", op))
	sess := sessionOf(c)

	var req models.UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error("failed to unmarshal profile update", slog.Any("error", err))
		newErrorResponse(c, http.StatusBadRequest, "wrong request format")
		return
	}

	var profile models.UserProfile
	err := sess.Do(c.Request.Context(), func(ctx context.Context, token string) error {
		var err error
		profile, err = h.api.UpdateProfile(ctx, token, req)
		return err
	})
	if err != nil {
		h.fail(c, sess, err)
		return
	}

	patch := models.UserPatch{}
	if profile.Name != "" {
		patch.Name = &profile.Name
	}
	if profile.Email != "" {
		patch.Email = &profile.Email
	}
	if err := sess.UpdateUser(c.Request.Context(), patch); err != nil {
		h.fail(c, sess, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Profile updated",
		"user":    sess.CurrentUser(),
		"profile": profile,
	})
}

// POST /session/register
func (h *Handler) Register(c *gin.Context) {
	const op = "handler.Register"

	log := h.log.With(slog.String("op", op))
	sess := sessionOf(c)

	var form validation.RegisterForm
	if err := c.ShouldBindJSON(&form); err != nil {
		log.Error("failed to read request body", slog.Any("error", err))
		newErrorResponse(c, http.StatusBadRequest, "wrong request format")
		return
	}
	form.Email = strings.TrimSpace(form.Email)
	if err := h.validator.Validate(form); err != nil {
		h.fail(c, sess, err)
		return
	}

	category := models.Category(form.Category)
	resp, err := h.api.Register(c.Request.Context(), models.RegisterRequest{
		Name:            form.Name,
		Email:           form.Email,
		Password:        form.Password,
		ConfirmPassword: form.ConfirmPassword,
		UserType:        category.UserType(),
	})
	if err != nil {
		h.fail(c, sess, err)
		return
	}

	if err := sess.scratch.Set(c.Request.Context(), credstore.SlotPendingVerificationEmail, form.Email); err != nil {
		log.Warn("failed to remember pending verification email", slog.Any("error", err))
	}

	log.Info("user registered", slog.String("user_id", resp.UserID))

	c.JSON(http.StatusCreated, messageResponse{
		Message:  "Registration successful! Check your email for verification code.",
		Redirect: h.verificationURL(category, form.Email),
	})
}

// POST /session/verify
func (h *Handler) Verify(c *gin.Context) {
	sess := sessionOf(c)

	var form validation.VerifyForm
	if err := c.ShouldBindJSON(&form); err != nil {
		newErrorResponse(c, http.StatusBadRequest, "wrong request format")
		return
	}
	if err := h.validator.Validate(form); err != nil {
		h.fail(c, sess, err)
		return
	}

	email := h.pendingEmail(c, sess, form.Email)
	if email == "" {
		newErrorResponse(c, http.StatusBadRequest, "Please enter a valid email address")
		return
	}

	resp, err := h.api.VerifyAccount(c.Request.Context(), email, form.Code)
	if err != nil {
		h.fail(c, sess, err)
		return
	}
	if err := sess.scratch.Delete(c.Request.Context(), credstore.SlotPendingVerificationEmail); err != nil {
		h.log.Warn("failed to drop pending verification email", slog.String("op", "handler.Verify"), slog.Any("error", err))
	}

	msg := resp.Message
	if msg == "" {
		msg = "Account verified successfully! Please login."
	}
	c.JSON(http.StatusOK, messageResponse{Message: msg, Redirect: h.paths.Login + "?verified=true"})
}

// POST /session/verify/resend
func (h *Handler) ResendCode(c *gin.Context) {
	sess := sessionOf(c)

	// An empty body falls back to the pending email.
	var form validation.EmailForm
	if err := c.ShouldBindJSON(&form); err != nil && !errors.Is(err, io.EOF) {
		newErrorResponse(c, http.StatusBadRequest, "wrong request format")
		return
	}
	form.Email = h.pendingEmail(c, sess, form.Email)
	if err := h.validator.Validate(form); err != nil {
		h.fail(c, sess, err)
		return
	}

	resp, err := h.api.ResendVerificationCode(c.Request.Context(), form.Email)
	if err != nil {
		h.fail(c, sess, err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: resp.Message})
}

// POST /session/password/forgot
func (h *Handler) ForgotPassword(c *gin.Context) {
	sess := sessionOf(c)

	var form validation.EmailForm
	if err := c.ShouldBindJSON(&form); err != nil {
		newErrorResponse(c, http.StatusBadRequest, "wrong request format")
		return
	}
	if err := h.validator.Validate(form); err != nil {
		h.fail(c, sess, err)
		return
	}

	resp, err := h.api.ForgotPassword(c.Request.Context(), strings.TrimSpace(form.Email))
	if err != nil {
		h.fail(c, sess, err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: resp.Message})
}

// POST /session/password/reset
func (h *Handler) ResetPassword(c *gin.Context) {
	sess := sessionOf(c)

	var form validation.ResetPasswordForm
	if err := c.ShouldBindJSON(&form); err != nil {
		newErrorResponse(c, http.StatusBadRequest, "wrong request format")
		return
	}
	if err := h.validator.Validate(form); err != nil {
		h.fail(c, sess, err)
		return
	}

	resp, err := h.api.ResetPassword(c.Request.Context(), form.Email, form.Token, form.NewPassword)
	if err != nil {
		h.fail(c, sess, err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: resp.Message, Redirect: h.paths.Login})
}

func (h *Handler) pendingEmail(c *gin.Context, sess *requestSession, given string) string {
	if email := strings.TrimSpace(given); email != "" {
		return email
	}
	return sess.scratch.Get(c.Request.Context(), credstore.SlotPendingVerificationEmail)
}

func (h *Handler) verificationURL(category models.Category, email string) string {
	q := url.Values{}
	q.Set("category", string(category))
	q.Set("email", email)
	return h.paths.Verification + "?" + q.Encode()
}

// fail maps an error onto the response a page can render inline.
func (h *Handler) fail(c *gin.Context, sess *requestSession, err error) {
	var (
		verr   *validation.Error
		apiErr *service.APIError
	)

	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Message: verr.First(), Errors: verr.Fields})
	case !sess.IsAuthenticated() && (service.IsUnauthorized(err) ||
		errors.Is(err, session.ErrNotAuthenticated) ||
		errors.Is(err, session.ErrNoRefreshToken) ||
		errors.Is(err, session.ErrStale)):
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{
			Message:  service.ErrUnauthorized.Error(),
			Redirect: sess.LoginPath(),
		})
	case errors.As(err, &apiErr):
		c.AbortWithStatusJSON(apiErr.Status, errorResponse{Message: apiErr.Message})
	case errors.Is(err, service.ErrUnavailable):
		newErrorResponse(c, http.StatusBadGateway, service.Message(err))
	default:
		h.log.Error("request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
		newErrorResponse(c, http.StatusInternalServerError, "internal error")
	}
}
