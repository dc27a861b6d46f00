package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"member-account/internal/domain"
	"member-account/internal/email"
	"member-account/internal/repository"
)

var (
	ErrValidation         = errors.New("missing required fields")
	ErrUserExists         = errors.New("user or email already exists")
	ErrUserNotFound       = errors.New("user does not exist")
	ErrInvalidCredentials = errors.New("wrong password")
	ErrMissingAuth        = errors.New("missing authorization header")
	ErrMissingToken       = errors.New("token not provided")
)

const (
	defaultRegistrationLockTTL = 10 * time.Second
	registrationLockPoll       = 20 * time.Millisecond
)

// UserService coordina registro, login y acceso al perfil.
type UserService struct {
	logger      *zap.Logger
	users       repository.UserRepository
	hasher      PasswordHasher
	tokens      *JWTService
	lock        RegistrationLock
	lockTTL     time.Duration
	lockPoll    time.Duration
	emailSender email.Sender
	now         func() time.Time
}

type UserServiceOption func(*UserService)

// WithRegistrationLock reemplaza el lock en memoria (p.ej. por Redis).
func WithRegistrationLock(lock RegistrationLock, ttl time.Duration) UserServiceOption {
	return func(s *UserService) {
		if lock != nil {
			s.lock = lock
		}
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithWelcomeSender activa el correo de bienvenida tras el registro.
func WithWelcomeSender(sender email.Sender) UserServiceOption {
	return func(s *UserService) {
		s.emailSender = sender
	}
}

func withNow(now func() time.Time) UserServiceOption {
	return func(s *UserService) {
		s.now = now
	}
}

func NewUserService(logger *zap.Logger, users repository.UserRepository, hasher PasswordHasher, tokens *JWTService, opts ...UserServiceOption) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hasher == nil {
		hasher = NewBcryptHasher(10)
	}
	s := &UserService{
		logger:   logger,
		users:    users,
		hasher:   hasher,
		tokens:   tokens,
		lock:     NewMemoryRegistrationLock(),
		lockTTL:  defaultRegistrationLockTTL,
		lockPoll: registrationLockPoll,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
}

type LoginResult struct {
	Token string
	User  domain.User
}

// Register crea el usuario si ni el username ni el email existen.
// Las restricciones UNIQUE del store son la garantia final; la consulta
// previa solo evita hashear en el caso comun de duplicado.
func (s *UserService) Register(ctx context.Context, input RegisterInput) (domain.User, error) {
	if s.users == nil {
		return domain.User{}, errors.New("user service not configured")
	}

	username := strings.TrimSpace(input.Username)
	emailAddr := normalizeEmail(input.Email)
	if username == "" || emailAddr == "" || input.Password == "" {
		return domain.User{}, ErrValidation
	}

	release, err := s.reserve(ctx, "username:"+username, "email:"+emailAddr)
	if err != nil {
		return domain.User{}, err
	}
	defer release()

	_, err = s.users.FindByUsernameOrEmail(ctx, username, emailAddr)
	if err == nil {
		return domain.User{}, ErrUserExists
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.User{}, fmt.Errorf("check existing user: %w", err)
	}

	passwordHash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return domain.User{}, err
	}

	user := domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        emailAddr,
		PasswordHash: passwordHash,
		Balance:      0,
		CreatedAt:    s.now().UTC().Truncate(time.Microsecond),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateUser) {
			return domain.User{}, ErrUserExists
		}
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}

	s.sendWelcome(ctx, user)
	return user, nil
}

// Login acepta username o email como identificador.
func (s *UserService) Login(ctx context.Context, identifier, password string) (LoginResult, error) {
	if s.users == nil || s.tokens == nil {
		return LoginResult{}, errors.New("user service not configured")
	}

	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return LoginResult{}, ErrValidation
	}

	user, err := s.users.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return LoginResult{}, ErrUserNotFound
		}
		return LoginResult{}, fmt.Errorf("lookup user: %w", err)
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue token: %w", err)
	}
	return LoginResult{Token: token, User: user}, nil
}

// Authorize extrae el token del header Authorization y devuelve el subject.
func (s *UserService) Authorize(authorization string) (string, error) {
	if s.tokens == nil {
		return "", errors.New("user service not configured")
	}
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return "", ErrMissingAuth
	}
	token := bearerToken(authorization)
	if token == "" {
		return "", ErrMissingToken
	}
	return s.tokens.Verify(token)
}

func (s *UserService) Profile(ctx context.Context, userID string) (domain.Profile, error) {
	if s.users == nil {
		return domain.Profile{}, errors.New("user service not configured")
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Profile{}, ErrUserNotFound
		}
		return domain.Profile{}, fmt.Errorf("load profile: %w", err)
	}
	return user.Profile(), nil
}

// GetProfile combina Authorize y Profile para llamadores fuera de HTTP.
func (s *UserService) GetProfile(ctx context.Context, authorization string) (domain.Profile, error) {
	userID, err := s.Authorize(authorization)
	if err != nil {
		return domain.Profile{}, err
	}
	return s.Profile(ctx, userID)
}

// reserve toma las claves en orden. Una clave ocupada por otro registro en
// curso no implica que el usuario exista: se espera a que se libere y la
// consulta previa y el INSERT deciden. Si el lock no responde, o la clave no
// se libera dentro del TTL, se sigue adelante sin ella.
func (s *UserService) reserve(ctx context.Context, keys ...string) (func(), error) {
	acquired := make([]string, 0, len(keys))
	release := func() {
		releaseCtx := context.WithoutCancel(ctx)
		for _, key := range acquired {
			if err := s.lock.Release(releaseCtx, key); err != nil {
				s.logger.Warn("registration lock release failed", zap.Error(err), zap.String("key", key))
			}
		}
	}

	for _, key := range keys {
		ok, err := s.waitForKey(ctx, key)
		if err != nil {
			release()
			return func() {}, fmt.Errorf("registration lock: %w", err)
		}
		if ok {
			acquired = append(acquired, key)
		}
	}
	return release, nil
}

func (s *UserService) waitForKey(ctx context.Context, key string) (bool, error) {
	timeout := time.NewTimer(s.lockTTL)
	defer timeout.Stop()
	ticker := time.NewTicker(s.lockPoll)
	defer ticker.Stop()

	for {
		ok, err := s.lock.Acquire(ctx, key, s.lockTTL)
		if err != nil {
			s.logger.Warn("registration lock unavailable", zap.Error(err), zap.String("key", key))
			return false, nil
		}
		if ok {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timeout.C:
			s.logger.Warn("registration lock wait expired", zap.String("key", key))
			return false, nil
		case <-ticker.C:
		}
	}
}

func (s *UserService) sendWelcome(ctx context.Context, user domain.User) {
	if s.emailSender == nil {
		return
	}
	if err := s.emailSender.SendWelcome(ctx, user.Email, user.Username); err != nil {
		s.logger.Warn("send welcome email failed", zap.Error(err), zap.String("user_id", user.ID))
	}
}

// bearerToken devuelve la segunda parte de "<scheme> <token>".
func bearerToken(header string) string {
	fields := strings.Fields(header)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
