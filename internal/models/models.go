package models

// SessionRecord is the authenticated identity of the current browser together
// with its credential artifacts.
type SessionRecord struct {
	UserID     string   `json:"userId"`
	Name       string   `json:"name"`
	Email      string   `json:"email"`
	UserType   int      `json:"userType"`
	Category   Category `json:"category"`
	IsVerified bool     `json:"isVerified"`

	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
}

// HasIdentity reports whether the identity payload is populated.
func (r *SessionRecord) HasIdentity() bool {
	return r != nil && r.UserID != ""
}

// Clone returns a copy safe to hand out of the session manager.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Identity returns the record without credential fields. This is what goes
// into the durable user slot.
func (r *SessionRecord) Identity() SessionRecord {
	c := *r
	c.AccessToken = ""
	c.RefreshToken = ""
	return c
}

// UserPatch carries a partial identity update. Nil fields are left untouched.
type UserPatch struct {
	Name       *string   `json:"name,omitempty"`
	Email      *string   `json:"email,omitempty"`
	UserType   *int      `json:"userType,omitempty"`
	Category   *Category `json:"category,omitempty"`
	IsVerified *bool     `json:"isVerified,omitempty"`
}

// Apply merges the patch into r.
func (p UserPatch) Apply(r *SessionRecord) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Email != nil {
		r.Email = *p.Email
	}
	if p.UserType != nil {
		r.UserType = *p.UserType
	}
	if p.Category != nil {
		r.Category = *p.Category
	}
	if p.IsVerified != nil {
		r.IsVerified = *p.IsVerified
	}
}

type Language struct {
	Language    string `json:"language"`
	Proficiency string `json:"proficiency"`
	Read        bool   `json:"read"`
	Write       bool   `json:"write"`
	Speak       bool   `json:"speak"`
}

// UserProfile is the profile document returned by the users service.
type UserProfile struct {
	UserID           string     `json:"userId"`
	Name             string     `json:"name"`
	Email            string     `json:"email"`
	UserType         int        `json:"userType"`
	PhoneNumber      string     `json:"phoneNumber,omitempty"`
	Location         string     `json:"location,omitempty"`
	DateOfBirth      string     `json:"dateOfBirth,omitempty"`
	Gender           int        `json:"gender,omitempty"`
	Experience       int        `json:"experience,omitempty"`
	Availability     int        `json:"availability,omitempty"`
	PermanentAddress string     `json:"permanentAddress,omitempty"`
	Hometown         string     `json:"hometown,omitempty"`
	Pincode          string     `json:"pincode,omitempty"`
	Languages        []Language `json:"languages,omitempty"`
	ProfilePicture   string     `json:"profilePicture,omitempty"`
	IsVerified       bool       `json:"isVerified"`
	CreatedAt        string     `json:"createdAt,omitempty"`
	UpdatedAt        string     `json:"updatedAt,omitempty"`
}

type LoginResponse struct {
	Message      string `json:"message"`
	UserID       string `json:"userId"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	UserType     int    `json:"userType"`
	IsVerified   bool   `json:"isVerified"`
	Token        string `json:"token,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// Record converts a login response into a session record.
func (l LoginResponse) Record() *SessionRecord {
	return &SessionRecord{
		UserID:       l.UserID,
		Name:         l.Name,
		Email:        l.Email,
		UserType:     l.UserType,
		Category:     CategoryForUserType(l.UserType),
		IsVerified:   l.IsVerified,
		AccessToken:  l.Token,
		RefreshToken: l.RefreshToken,
	}
}

type TokenResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type RegisterRequest struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	UserType        int    `json:"user_type"`
}

type RegisterResponse struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
	Email   string `json:"email"`
}

type UpdateProfileRequest struct {
	Name             *string    `json:"name,omitempty"`
	PhoneNumber      *string    `json:"phoneNumber,omitempty"`
	Location         *string    `json:"location,omitempty"`
	ProfilePicture   *string    `json:"profilePicture,omitempty"`
	PermanentAddress *string    `json:"permanentAddress,omitempty"`
	Hometown         *string    `json:"hometown,omitempty"`
	Pincode          *string    `json:"pincode,omitempty"`
	Languages        []Language `json:"languages,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}
