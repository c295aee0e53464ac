package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"famsave.org/internal/account"
	"famsave.org/internal/apperr"
	"famsave.org/internal/audit"
	"famsave.org/internal/auth"
	"famsave.org/internal/fieldcrypt"
	"famsave.org/internal/obs"
)

// RegisterInput is the registration payload. PhoneNumber is optional.
type RegisterInput struct {
	FullName    string
	Email       string
	Password    string
	PhoneNumber string
}

// LoginInput is the login payload. Origin is the client network origin
// tracked by the brute-force guard.
type LoginInput struct {
	Email    string
	Password string
	Origin   string
}

const unknownOrigin = "unknown"

// Register validates input, rejects a taken email, stores the account with a
// hashed password and encrypted phone number, and issues a token pair.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Result, error) {
	in.Email = account.NormalizeEmail(in.Email)
	if err := validateRegister(&in); err != nil {
		return Result{}, err
	}

	lookupCtx, cancel := s.storeCtx(ctx)
	_, err := s.accounts.FindByEmail(lookupCtx, in.Email)
	cancel()
	switch {
	case err == nil:
		return Result{}, apperr.New(apperr.IdentityConflict, "an account with this email already exists")
	case !errors.Is(err, account.ErrNotFound):
		return Result{}, dependency("register.lookup", err)
	}

	digest, err := s.hasher.Hash(in.Password)
	if err != nil {
		return Result{}, dependency("register.hash", err)
	}
	phone, err := s.cipher.Encrypt(fieldcrypt.KindPhoneNumber, in.PhoneNumber)
	if err != nil {
		return Result{}, dependency("register.encrypt", err)
	}

	createCtx, cancel := s.storeCtx(ctx)
	acc, err := s.accounts.Create(createCtx, account.NewAccount{
		Email:        in.Email,
		FullName:     in.FullName,
		PhoneCipher:  phone,
		PasswordHash: digest,
	})
	cancel()
	if err != nil {
		if errors.Is(err, account.ErrAlreadyExists) {
			return Result{}, apperr.New(apperr.IdentityConflict, "an account with this email already exists")
		}
		return Result{}, dependency("register.create", err)
	}

	tokens, err := s.issue(ctx, acc.ID)
	if err != nil {
		return Result{}, err
	}

	ctx = auth.ContextWithAccount(ctx, acc.ID)
	_ = audit.LogEvent(ctx, "auth.register")

	profile := profileOf(acc)
	profile.PhoneNumber = in.PhoneNumber
	return Result{Profile: profile, Tokens: tokens}, nil
}

// Login authenticates email and password for a client origin. The guard is
// consulted before any lookup. Unknown emails cost the same bcrypt work as
// known ones, and a wrong password gets the same answer whether or not the
// account is locked, so no failure reveals that an email is registered.
func (s *Service) Login(ctx context.Context, in LoginInput) (Result, error) {
	origin := strings.TrimSpace(in.Origin)
	if origin == "" {
		origin = unknownOrigin
	}

	decision, err := s.guard.Admit(ctx, origin)
	if err != nil {
		obs.LoginOutcomes.WithLabelValues("error").Inc()
		return Result{}, dependency("login.guard", err)
	}
	if !decision.Allowed {
		obs.LoginOutcomes.WithLabelValues("rate_limited").Inc()
		_ = audit.LogEvent(ctx, "auth.login.locked",
			zap.String("scope", "origin"),
			zap.Int("retry_after_seconds", apperr.RetryAfterSeconds(decision.RetryAfter)))
		return Result{}, apperr.NewRateLimited(decision.RetryAfter)
	}
	budget := apperr.Budget{Remaining: decision.Remaining, ResetAt: decision.WindowResetAt}

	email := account.NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		obs.LoginOutcomes.WithLabelValues("invalid").Inc()
		return Result{}, invalid("email and password are required")
	}

	lookupCtx, cancel := s.storeCtx(ctx)
	acc, err := s.accounts.FindByEmail(lookupCtx, email)
	cancel()
	if err != nil {
		if !errors.Is(err, account.ErrNotFound) {
			obs.LoginOutcomes.WithLabelValues("error").Inc()
			return Result{}, dependency("login.lookup", err)
		}
		s.hasher.DummyVerify(in.Password)
		obs.LoginOutcomes.WithLabelValues("invalid_credentials").Inc()
		_ = audit.LogEvent(ctx, "auth.login.failed", zap.String("reason", "unknown_account"))
		return Result{}, invalidCredentials(budget)
	}
	ctx = auth.ContextWithAccount(ctx, acc.ID)
	now := s.now()

	ok, err := s.hasher.Verify(acc.PasswordHash, in.Password)
	if err != nil {
		obs.LoginOutcomes.WithLabelValues("error").Inc()
		return Result{}, dependency("login.verify", err)
	}
	if !ok {
		return Result{}, s.recordFailure(ctx, acc, now, budget)
	}

	// The account lock is only disclosed to a caller holding the password.
	if remaining, locked := acc.LockRemaining(now); locked {
		obs.LoginOutcomes.WithLabelValues("rate_limited").Inc()
		_ = audit.LogEvent(ctx, "auth.login.locked",
			zap.String("scope", "account"),
			zap.Int("retry_after_seconds", apperr.RetryAfterSeconds(remaining)))
		return Result{}, apperr.NewRateLimited(remaining)
	}

	resetCtx, cancel := s.storeCtx(ctx)
	err = s.accounts.ResetFailures(resetCtx, acc.ID)
	cancel()
	if err != nil {
		obs.LoginOutcomes.WithLabelValues("error").Inc()
		return Result{}, dependency("login.reset", err)
	}
	if err := s.guard.Reset(ctx, origin); err != nil {
		obs.Logger().Warn("guard reset failed", zap.Error(err))
	}

	tokens, err := s.issue(ctx, acc.ID)
	if err != nil {
		obs.LoginOutcomes.WithLabelValues("error").Inc()
		return Result{}, err
	}
	obs.LoginOutcomes.WithLabelValues("succeeded").Inc()
	_ = audit.LogEvent(ctx, "auth.login.succeeded")
	return Result{Profile: profileOf(acc), Tokens: tokens, Budget: &budget}, nil
}

// recordFailure persists one failed attempt before answering. The durable
// counter is written first so a crash never loses a failure.
func (s *Service) recordFailure(ctx context.Context, acc *account.Account, now time.Time, budget apperr.Budget) error {
	_, wasLocked := acc.LockRemaining(now)

	failCtx, cancel := s.storeCtx(ctx)
	failures, err := s.accounts.RecordFailure(failCtx, acc.ID, s.lockPolicy, now)
	cancel()
	if err != nil {
		obs.LoginOutcomes.WithLabelValues("error").Inc()
		return dependency("login.record_failure", err)
	}
	obs.LoginOutcomes.WithLabelValues("invalid_credentials").Inc()
	_ = audit.LogEvent(ctx, "auth.login.failed",
		zap.String("reason", "bad_password"),
		zap.Int("failed_attempts", failures.Attempts))
	if failures.LockedUntil != nil && !wasLocked {
		_ = audit.LogEvent(ctx, "auth.login.locked",
			zap.String("scope", "account"),
			zap.Time("locked_until", *failures.LockedUntil))
	}
	return invalidCredentials(budget)
}

func invalidCredentials(budget apperr.Budget) error {
	return apperr.New(apperr.InvalidCredentials, "invalid email or password").WithBudget(budget)
}

// Refresh rotates a refresh token into a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return auth.TokenPair{}, invalid("refreshToken is required")
	}
	rotateCtx, cancel := s.storeCtx(ctx)
	pair, err := s.tokens.Rotate(rotateCtx, refreshToken)
	cancel()
	if err != nil {
		return auth.TokenPair{}, tokenError("refresh.rotate", err)
	}
	_ = audit.LogEvent(ctx, "auth.refresh")
	return pair, nil
}

// Authenticate verifies a bearer access token and returns its account id.
func (s *Service) Authenticate(accessToken string) (string, error) {
	claims, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return "", tokenError("authenticate", err)
	}
	return claims.Subject, nil
}

// Logout revokes the caller's refresh token and clears the failure counters.
// The access token itself stays valid until it expires.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	accountID, err := s.Authenticate(accessToken)
	if err != nil {
		return err
	}
	ctx = auth.ContextWithAccount(ctx, accountID)

	revokeCtx, cancel := s.storeCtx(ctx)
	err = s.tokens.Revoke(revokeCtx, accountID)
	cancel()
	if err != nil {
		return tokenError("logout.revoke", err)
	}

	resetCtx, cancel := s.storeCtx(ctx)
	err = s.accounts.ResetFailures(resetCtx, accountID)
	cancel()
	if err != nil && !errors.Is(err, account.ErrNotFound) {
		return dependency("logout.reset", err)
	}
	_ = audit.LogEvent(ctx, "auth.logout")
	return nil
}

// Profile loads an account and decrypts its phone number for the response.
// The plaintext lives only in the returned value.
func (s *Service) Profile(ctx context.Context, accountID string) (Profile, error) {
	findCtx, cancel := s.storeCtx(ctx)
	acc, err := s.accounts.FindByID(findCtx, accountID)
	cancel()
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return Profile{}, apperr.New(apperr.TokenInvalid, "token invalid")
		}
		return Profile{}, dependency("profile.find", err)
	}

	profile := profileOf(acc)
	phone, err := s.cipher.Decrypt(fieldcrypt.KindPhoneNumber, acc.PhoneCipher)
	switch {
	case errors.Is(err, fieldcrypt.ErrTamperDetected):
		return Profile{}, tamper(auth.ContextWithAccount(ctx, acc.ID), "profile.decrypt", fieldcrypt.KindPhoneNumber, err)
	case err != nil:
		return Profile{}, dependency("profile.decrypt", err)
	}
	profile.PhoneNumber = phone
	return profile, nil
}

func (s *Service) issue(ctx context.Context, accountID string) (auth.TokenPair, error) {
	issueCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	pair, err := s.tokens.IssuePair(issueCtx, accountID)
	if err != nil {
		return auth.TokenPair{}, dependency("issue_tokens", err)
	}
	return pair, nil
}
