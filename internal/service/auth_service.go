package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ascendore/ascendore-crm/internal/apperr"
	"github.com/ascendore/ascendore-crm/internal/auth"
	"github.com/ascendore/ascendore-crm/internal/models"
	"github.com/ascendore/ascendore-crm/internal/storage"
	"github.com/ascendore/ascendore-crm/internal/validation"
	"github.com/ascendore/ascendore-crm/pkg/crypto"
)

// Client-facing messages
const (
	msgEmailTaken         = "Email already registered"
	msgOrganizationTaken  = "Organization already exists"
	msgInvalidCredentials = "Invalid email or password"
	msgAccountInactive    = "Account is inactive"
	msgNoOrganization     = "No organization found for this user"
	msgUserNotFound       = "User not found"
	msgPasswordNotSet     = "Password not set for this account"
	msgWrongPassword      = "Current password is incorrect"
	msgInvalidToken       = "Invalid token"
	msgTokenExpired       = "Token has expired"
	msgNotMember          = "Not a member of this organization"
)

const maxPasswordBytes = 72

// ActivityPublisher receives audit events. Implementations must not block
// for long; publish failures are logged and never fail the operation.
type ActivityPublisher interface {
	Publish(ctx context.Context, activity *models.Activity) error
}

// Options tunes the service
type Options struct {
	BcryptCost        int
	MinPasswordLength int
}

// AuthService registers tenants, authenticates users and resolves sessions
type AuthService struct {
	store     storage.Store
	tokens    *auth.TokenManager
	events    ActivityPublisher
	validator *validation.Validator
	opts      Options

	// Compared against when the email is unknown so that response time does
	// not reveal whether an account exists.
	dummyHash string
}

// NewAuthService creates the service. events may be nil.
func NewAuthService(store storage.Store, tokens *auth.TokenManager, events ActivityPublisher, opts Options) (*AuthService, error) {
	if opts.BcryptCost == 0 {
		opts.BcryptCost = crypto.DefaultCost
	}
	if opts.MinPasswordLength == 0 {
		opts.MinPasswordLength = 8
	}

	seed, err := crypto.GenerateRandomString(24)
	if err != nil {
		return nil, fmt.Errorf("generate dummy password: %w", err)
	}
	dummy, err := crypto.HashPasswordWithCost(seed, opts.BcryptCost)
	if err != nil {
		return nil, err
	}

	return &AuthService{
		store:     store,
		tokens:    tokens,
		events:    events,
		validator: validation.NewValidator(),
		opts:      opts,
		dummyHash: dummy,
	}, nil
}

// RegisterInput is the payload for creating a tenant and its owner
type RegisterInput struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" label:"Password" validate:"required"`
	FirstName   string `json:"first_name" label:"First name" validate:"required"`
	LastName    string `json:"last_name" label:"Last name" validate:"required"`
	CompanyName string `json:"company_name" label:"Company name" validate:"required"`
}

// AuthResult is returned by registration and login
type AuthResult struct {
	User         models.PublicUser              `json:"user"`
	Organization *models.OrganizationMembership `json:"organization"`
	Token        string                         `json:"token"`
}

// Session is the authenticated user with their current organization
type Session struct {
	User         models.PublicUser              `json:"user"`
	Organization *models.OrganizationMembership `json:"organization"`
}

// Register creates a tenant, its owner and the owner membership atomically
// and returns a token for the new owner.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	in.Email = models.NormalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.CompanyName = strings.TrimSpace(in.CompanyName)

	if err := s.validator.Validate(&in); err != nil {
		return nil, apperr.Validation(err.Error())
	}
	if err := s.checkPasswordLength(in.Password, "Password"); err != nil {
		return nil, err
	}
	slug := models.Slugify(in.CompanyName)
	if slug == "" {
		return nil, apperr.Validation("Company name must contain letters or digits")
	}

	// The unique index on users.email is authoritative; this only avoids
	// hashing for an obvious duplicate.
	if _, err := s.store.GetUserByEmail(ctx, in.Email); err == nil {
		return nil, apperr.Conflict(msgEmailTaken)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Internal(fmt.Errorf("lookup email: %w", err))
	}

	hash, err := crypto.HashPasswordWithCost(in.Password, s.opts.BcryptCost)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	tenant := &models.Tenant{
		Name:     in.CompanyName,
		Slug:     slug,
		Settings: models.Variables{},
		Metadata: models.Variables{},
	}
	user := &models.User{
		Email:        in.Email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		PasswordHash: hash,
	}
	membership := &models.Membership{Role: models.RoleOwner}

	if err := s.createTenantAndOwner(ctx, tenant, user, membership); err != nil {
		return nil, err
	}

	org := &models.OrganizationMembership{
		TenantID:   tenant.ID,
		TenantName: tenant.Name,
		Role:       membership.Role,
		JoinedAt:   membership.CreatedAt,
	}
	token, err := s.tokens.Issue(user, org)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	log.Info().
		Str("user_id", user.ID.String()).
		Str("tenant_id", tenant.ID.String()).
		Str("slug", tenant.Slug).
		Msg("Tenant registered")

	s.publish(ctx, &models.Activity{
		OrganizationID: tenant.ID,
		UserID:         user.ID,
		Type:           models.ActivityRegistered,
		EntityType:     "user",
		EntityID:       user.ID.String(),
		Description:    "registered user and organization",
	})

	return &AuthResult{User: user.Public(), Organization: org, Token: token}, nil
}

func (s *AuthService) createTenantAndOwner(ctx context.Context, tenant *models.Tenant, user *models.User, membership *models.Membership) (err error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return apperr.Internal(err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error().Err(rbErr).Msg("Failed to roll back registration")
			}
		}
	}()

	if err = tx.CreateTenant(ctx, tenant); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return apperr.Conflict(msgOrganizationTaken).Wrap(err)
		}
		return apperr.Internal(err)
	}
	if err = tx.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return apperr.Conflict(msgEmailTaken).Wrap(err)
		}
		return apperr.Internal(err)
	}

	membership.TenantID = tenant.ID
	membership.UserID = user.ID
	if err = tx.CreateMembership(ctx, membership); err != nil {
		return apperr.Internal(err)
	}

	if err = tx.Commit(); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return apperr.Conflict(msgEmailTaken).Wrap(err)
		}
		return apperr.Internal(err)
	}
	return nil
}

// Authenticate checks credentials and issues a token for the user's earliest
// organization membership.
func (s *AuthService) Authenticate(ctx context.Context, email, password string) (*AuthResult, error) {
	email = models.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperr.Validation("Email and password are required")
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Internal(fmt.Errorf("lookup user: %w", err))
		}
		crypto.VerifyPassword(password, s.dummyHash)
		return nil, invalidCredentials()
	}

	if !user.HasPassword() {
		crypto.VerifyPassword(password, s.dummyHash)
		return nil, invalidCredentials()
	}
	if !crypto.VerifyPassword(password, user.PasswordHash) {
		return nil, invalidCredentials()
	}
	if !user.IsActive {
		return nil, apperr.Forbidden(msgAccountInactive)
	}

	org, err := s.store.GetEarliestMembership(ctx, user.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Forbidden(msgNoOrganization)
		}
		return nil, apperr.Internal(fmt.Errorf("lookup membership: %w", err))
	}

	token, err := s.tokens.Issue(user, org)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	s.publish(ctx, &models.Activity{
		OrganizationID: org.TenantID,
		UserID:         user.ID,
		Type:           models.ActivityLogin,
		EntityType:     "user",
		EntityID:       user.ID.String(),
		Description:    "user logged in",
	})

	return &AuthResult{User: user.Public(), Organization: org, Token: token}, nil
}

func invalidCredentials() error {
	return apperr.Unauthorized(apperr.CodeInvalidCredentials, msgInvalidCredentials)
}

// VerifyToken validates a bearer token without consulting the store
func (s *AuthService) VerifyToken(token string) (*auth.Claims, error) {
	claims, err := s.tokens.Verify(token)
	if err == nil {
		return claims, nil
	}

	var tokenErr *auth.TokenError
	if !errors.As(err, &tokenErr) {
		return nil, apperr.Unauthorized("", msgInvalidToken).Wrap(err)
	}
	msg := msgInvalidToken
	if tokenErr.Reason == auth.ReasonExpired {
		msg = msgTokenExpired
	}
	return nil, apperr.Unauthorized(tokenErr.Reason, msg).Wrap(err)
}

// ResolveSession re-reads the user and their earliest membership, ignoring
// whatever the token snapshot says.
func (s *AuthService) ResolveSession(ctx context.Context, userID uuid.UUID) (*Session, error) {
	user, err := s.store.GetActiveUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Unauthorized("", msgUserNotFound)
		}
		return nil, apperr.Internal(fmt.Errorf("lookup user: %w", err))
	}

	org, err := s.store.GetEarliestMembership(ctx, user.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Unauthorized("", msgNoOrganization)
		}
		return nil, apperr.Internal(fmt.Errorf("lookup membership: %w", err))
	}

	return &Session{User: user.Public(), Organization: org}, nil
}

// UpdatePassword replaces the password after checking the current one.
// Tokens issued before the change stay valid until they expire.
func (s *AuthService) UpdatePassword(ctx context.Context, userID uuid.UUID, currentPassword, newPassword string) error {
	if currentPassword == "" {
		return apperr.Validation("Current password is required")
	}
	if err := s.checkPasswordLength(newPassword, "New password"); err != nil {
		return err
	}

	user, err := s.store.GetActiveUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound(msgUserNotFound)
		}
		return apperr.Internal(fmt.Errorf("lookup user: %w", err))
	}
	if !user.HasPassword() {
		return apperr.Validation(msgPasswordNotSet)
	}
	if !crypto.VerifyPassword(currentPassword, user.PasswordHash) {
		return apperr.Unauthorized(apperr.CodeInvalidCredentials, msgWrongPassword)
	}

	hash, err := crypto.HashPasswordWithCost(newPassword, s.opts.BcryptCost)
	if err != nil {
		return apperr.Internal(err)
	}
	if err := s.store.UpdateUserPassword(ctx, user.ID, hash); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound(msgUserNotFound)
		}
		return apperr.Internal(err)
	}

	log.Info().Str("user_id", user.ID.String()).Msg("Password updated")

	if org, err := s.store.GetEarliestMembership(ctx, user.ID); err == nil {
		s.publish(ctx, &models.Activity{
			OrganizationID: org.TenantID,
			UserID:         user.ID,
			Type:           models.ActivityPasswordChanged,
			EntityType:     "user",
			EntityID:       user.ID.String(),
			Description:    "password changed",
		})
	}
	return nil
}

// SwitchOrganization returns the caller's membership in tenantID
func (s *AuthService) SwitchOrganization(ctx context.Context, userID, tenantID uuid.UUID) (*models.OrganizationMembership, error) {
	org, err := s.store.GetMembership(ctx, userID, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Forbidden(msgNotMember)
		}
		return nil, apperr.Internal(fmt.Errorf("lookup membership: %w", err))
	}
	return org, nil
}

// RecordLogout records the logout. Tokens are stateless and stay valid.
func (s *AuthService) RecordLogout(ctx context.Context, userID, tenantID uuid.UUID) {
	s.publish(ctx, &models.Activity{
		OrganizationID: tenantID,
		UserID:         userID,
		Type:           models.ActivityLogout,
		EntityType:     "user",
		EntityID:       userID.String(),
		Description:    "user logged out",
	})
}

// Ping checks the backing store
func (s *AuthService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *AuthService) checkPasswordLength(password, field string) error {
	if len(password) < s.opts.MinPasswordLength {
		return apperr.Validation(fmt.Sprintf("%s must be at least %d characters", field, s.opts.MinPasswordLength))
	}
	// bcrypt only reads the first 72 bytes
	if len(password) > maxPasswordBytes {
		return apperr.Validation(fmt.Sprintf("%s must be at most %d bytes", field, maxPasswordBytes))
	}
	return nil
}

func (s *AuthService) publish(ctx context.Context, activity *models.Activity) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, activity); err != nil {
		log.Warn().
			Err(err).
			Str("activity", string(activity.Type)).
			Str("tenant_id", activity.OrganizationID.String()).
			Msg("Failed to publish activity")
	}
}
