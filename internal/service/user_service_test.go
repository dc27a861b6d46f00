package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"member-account/internal/domain"
	"member-account/internal/repository"
)

type mockUserRepo struct {
	mu           sync.Mutex
	usersByID    map[string]domain.User
	idByUsername map[string]string
	idByEmail    map[string]string

	// hideOnPrecheck simula un registro concurrente que aun no era visible.
	hideOnPrecheck bool
	findErr        error
	createErr      error
	getErr         error
	creates        int
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{
		usersByID:    make(map[string]domain.User),
		idByUsername: make(map[string]string),
		idByEmail:    make(map[string]string),
	}
}

func (m *mockUserRepo) Create(_ context.Context, user domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.idByUsername[user.Username]; ok {
		return repository.ErrDuplicateUser
	}
	if _, ok := m.idByEmail[user.Email]; ok {
		return repository.ErrDuplicateUser
	}
	m.usersByID[user.ID] = user
	m.idByUsername[user.Username] = user.ID
	m.idByEmail[user.Email] = user.ID
	m.creates++
	return nil
}

func (m *mockUserRepo) GetByID(_ context.Context, id string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.User{}, m.getErr
	}
	user, ok := m.usersByID[id]
	if !ok {
		return domain.User{}, repository.ErrNotFound
	}
	return user, nil
}

func (m *mockUserRepo) GetByIdentifier(_ context.Context, identifier string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.User{}, m.getErr
	}
	if id, ok := m.idByUsername[identifier]; ok {
		return m.usersByID[id], nil
	}
	if id, ok := m.idByEmail[strings.ToLower(identifier)]; ok {
		return m.usersByID[id], nil
	}
	return domain.User{}, repository.ErrNotFound
}

func (m *mockUserRepo) FindByUsernameOrEmail(_ context.Context, username, email string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return domain.User{}, m.findErr
	}
	if m.hideOnPrecheck {
		return domain.User{}, repository.ErrNotFound
	}
	if id, ok := m.idByUsername[username]; ok {
		return m.usersByID[id], nil
	}
	if id, ok := m.idByEmail[email]; ok {
		return m.usersByID[id], nil
	}
	return domain.User{}, repository.ErrNotFound
}

func (m *mockUserRepo) delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.usersByID[id]
	delete(m.usersByID, id)
	delete(m.idByUsername, user.Username)
	delete(m.idByEmail, user.Email)
}

type mockWelcomeSender struct {
	lastTo   string
	lastUser string
	calls    int
	err      error
}

func (m *mockWelcomeSender) SendWelcome(_ context.Context, toEmail, username string) error {
	m.calls++
	m.lastTo = toEmail
	m.lastUser = username
	return m.err
}

type stubLock struct {
	acquireOK  bool
	acquireErr error
	released   []string
}

func (s *stubLock) Acquire(_ context.Context, _ string, _ time.Duration) (bool, error) {
	return s.acquireOK, s.acquireErr
}

func (s *stubLock) Release(_ context.Context, key string) error {
	s.released = append(s.released, key)
	return nil
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)

func newTestUserService(repo repository.UserRepository, opts ...UserServiceOption) *UserService {
	tokens := NewJWTService("secret", time.Hour)
	opts = append([]UserServiceOption{withNow(func() time.Time { return testNow })}, opts...)
	return NewUserService(zap.NewNop(), repo, NewBcryptHasher(bcrypt.MinCost), tokens, opts...)
}

func TestUserServiceRegister_Success(t *testing.T) {
	repo := newMockUserRepo()
	svc := newTestUserService(repo)

	user, err := svc.Register(context.Background(), RegisterInput{
		Username: " alice ",
		Email:    " A@X.com ",
		Password: "pw1",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if user.ID == "" {
		t.Fatalf("expected id to be assigned")
	}
	if user.Username != "alice" || user.Email != "a@x.com" {
		t.Fatalf("unexpected identity: %+v", user)
	}
	if user.Balance != 0 {
		t.Fatalf("expected zero balance, got %v", user.Balance)
	}
	if !user.CreatedAt.Equal(testNow.Truncate(time.Microsecond)) {
		t.Fatalf("expected created_at %v, got %v", testNow, user.CreatedAt)
	}
	if user.PasswordHash == "" || user.PasswordHash == "pw1" {
		t.Fatalf("expected password to be hashed")
	}
	if repo.creates != 1 {
		t.Fatalf("expected exactly one insert, got %d", repo.creates)
	}
}

func TestUserServiceRegister_MissingFields(t *testing.T) {
	repo := newMockUserRepo()
	svc := newTestUserService(repo)

	cases := []RegisterInput{
		{Email: "a@x.com", Password: "pw1"},
		{Username: "alice", Password: "pw1"},
		{Username: "alice", Email: "a@x.com"},
		{Username: "   ", Email: "a@x.com", Password: "pw1"},
	}
	for _, input := range cases {
		if _, err := svc.Register(context.Background(), input); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation for %+v, got %v", input, err)
		}
	}
	if repo.creates != 0 {
		t.Fatalf("expected no inserts, got %d", repo.creates)
	}
}

func TestUserServiceRegister_Conflicts(t *testing.T) {
	repo := newMockUserRepo()
	svc := newTestUserService(repo)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "a@x.com", Password: "pw1"}); err != nil {
		t.Fatalf("first register: %v", err)
	}

	if _, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "other@x.com", Password: "pw2"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists for same username, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Username: "bob", Email: "A@x.com", Password: "pw2"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists for same email, got %v", err)
	}
	if repo.creates != 1 {
		t.Fatalf("expected one insert, got %d", repo.creates)
	}

	// username distinto solo en mayusculas es otra cuenta
	if _, err := svc.Register(ctx, RegisterInput{Username: "Alice", Email: "b@x.com", Password: "pw3"}); err != nil {
		t.Fatalf("expected case-distinct username to register, got %v", err)
	}
}

func TestUserServiceRegister_UniqueViolationMapsToConflict(t *testing.T) {
	repo := newMockUserRepo()
	svc := newTestUserService(repo)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "a@x.com", Password: "pw1"}); err != nil {
		t.Fatalf("first register: %v", err)
	}

	repo.hideOnPrecheck = true
	_, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "a2@x.com", Password: "pw1"})
	if !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists from store constraint, got %v", err)
	}
}

func TestUserServiceRegister_ConcurrentDuplicatesCreateOnce(t *testing.T) {
	repo := newMockUserRepo()
	svc := newTestUserService(repo)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Register(context.Background(), RegisterInput{Username: "alice", Email: "a@x.com", Password: "pw1"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrUserExists):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != workers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", workers-1, ok, conflicts)
	}
	if repo.creates != 1 {
		t.Fatalf("expected exactly one insert, got %d", repo.creates)
	}
}

func TestUserServiceRegister_WaitsForHeldReservation(t *testing.T) {
	repo := newMockUserRepo()
	lock := NewMemoryRegistrationLock()
	svc := newTestUserService(repo, WithRegistrationLock(lock, 5*time.Second))

	// Otro registro en curso tiene la clave y termina sin guardar nada.
	if ok, _ := lock.Acquire(context.Background(), "username:alice", 5*time.Second); !ok {
		t.Fatalf("expected to hold username:alice")
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.Register(context.Background(), RegisterInput{Username: "alice", Email: "other@x.com", Password: "pw1"})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("register finished while reservation was held: %v", err)
	case <-time.After(60 * time.Millisecond):
	}

	if err := lock.Release(context.Background(), "username:alice"); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected register to succeed after release, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("register did not finish after release")
	}
	if _, err := repo.FindByUsernameOrEmail(context.Background(), "alice", "other@x.com"); err != nil {
		t.Fatalf("expected stored user, got %v", err)
	}
}

func TestUserServiceRegister_StuckReservationDoesNotConflict(t *testing.T) {
	repo := newMockUserRepo()
	lock := &stubLock{acquireOK: false}
	svc := newTestUserService(repo, WithRegistrationLock(lock, 50*time.Millisecond))

	if _, err := svc.Register(context.Background(), RegisterInput{Username: "alice", Email: "a@x.com", Password: "pw1"}); err != nil {
		t.Fatalf("expected store to decide, got %v", err)
	}
	if repo.creates != 1 {
		t.Fatalf("expected one insert, got %d", repo.creates)
	}
	if len(lock.released) != 0 {
		t.Fatalf("expected nothing to release, got %v", lock.released)
	}
}

func TestUserServiceRegister_StuckReservationStillSeesExistingUser(t *testing.T) {
	repo := newMockUserRepo()
	if _, err := newTestUserService(repo).Register(context.Background(), RegisterInput{Username: "alice", Email: "a@x.com", Password: "pw1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	lock := &stubLock{acquireOK: false}
	svc := newTestUserService(repo, WithRegistrationLock(lock, 50*time.Millisecond))

	_, err := svc.Register(context.Background(), RegisterInput{Username: "alice", Email: "b@x.com", Password: "pw1"})
	if !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestUserServiceRegister_CancelledWhileWaiting(t *testing.T) {
	repo := newMockUserRepo()
	lock := &stubLock{acquireOK: false}
	svc := newTestUserService(repo, WithRegistrationLock(lock, 5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "a@x.com", Password: "pw1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if errors.Is(err, ErrUserExists) {
		t.Fatalf("cancellation must not be reported as a conflict")
	}
	if repo.creates != 0 {
		t.Fatalf("expected no insert, got %d", repo.creates)
	}
}

func TestUserServiceRegister_LockFailureFailsOpen(t *testing.T) {
	repo := newMockUserRepo()
	lock := &stubLock{acquireErr: errors.New("redis down")}
	svc := newTestUserService(repo, WithRegistrationLock(lock, time.Second))

	if _, err := svc.Register(context.Background(), RegisterInput{Username: "alice", Email: "a@x.com", Password: "pw1"}); err != nil {
		t.Fatalf("expected register to proceed without lock, got %v", err)
	}
	if len(lock.released) != 0 {
		t.Fatalf("expected nothing to release, got %v", lock.released)
	}
}

func TestUserServiceRegister_ReleasesReservations(t *testing.T) {
	repo := newMockUserRepo()
	lock := &stubLock{acquireOK: true}
	svc := newTestUserService(repo, WithRegistrationLock(lock, time.Second))

	if _, err := svc.Register(context.Background(), RegisterInput{Username: "alice", Email: "a@x.com", Password: "pw1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(lock.released) != 2 || lock.released[0] != "username:alice" || lock.released[1] != "email:a@x.com" {
		t.Fatalf("unexpected released keys: %v", lock.released)
	}
}

func TestUserServiceRegister_StoreErrorsAreInternal(t *testing.T) {
	repo := newMockUserRepo()
	repo.findErr = errors.New("connection refused")
	svc := newTestUserService(repo)

	_, err := svc.Register(context.Background(), RegisterInput{Username: "alice", Email: "a@x.com", Password: "pw1"})
	if err == nil || errors.Is(err, ErrUserExists) || errors.Is(err, ErrValidation) {
		t.Fatalf("expected internal error, got %v", err)
	}

	repo.findErr = nil
	repo.createErr = errors.New("disk full")
	_, err = svc.Register(context.Background(), RegisterInput{Username: "alice", Email: "a@x.com", Password: "pw1"})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected wrapped create error, got %v", err)
	}
}

func TestUserServiceRegister_PasswordTooLong(t *testing.T) {
	repo := newMockUserRepo()
	svc := newTestUserService(repo)

	_, err := svc.Register(context.Background(), RegisterInput{Username: "alice", Email: "a@x.com", Password: strings.Repeat("x", 100)})
	if !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
}

func TestUserServiceRegister_SendsWelcome(t *testing.T) {
	repo := newMockUserRepo()
	sender := &mockWelcomeSender{}
	svc := newTestUserService(repo, WithWelcomeSender(sender))

	if _, err := svc.Register(context.Background(), RegisterInput{Username: "alice", Email: "a@x.com", Password: "pw1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if sender.calls != 1 || sender.lastTo != "a@x.com" || sender.lastUser != "alice" {
		t.Fatalf("unexpected welcome call: %+v", sender)
	}

	failing := &mockWelcomeSender{err: errors.New("smtp down")}
	svc = newTestUserService(newMockUserRepo(), WithWelcomeSender(failing))
	if _, err := svc.Register(context.Background(), RegisterInput{Username: "bob", Email: "b@x.com", Password: "pw1"}); err != nil {
		t.Fatalf("expected welcome failure to be ignored, got %v", err)
	}
}

func TestUserServiceLogin_Success(t *testing.T) {
	repo := newMockUserRepo()
	svc := newTestUserService(repo)
	ctx := context.Background()

	registered, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "a@x.com", Password: "pw1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, identifier := range []string{"alice", "a@x.com", " A@X.COM "} {
		result, err := svc.Login(ctx, identifier, "pw1")
		if err != nil {
			t.Fatalf("login with %q: %v", identifier, err)
		}
		if result.Token == "" {
			t.Fatalf("expected token for %q", identifier)
		}
		subject, err := svc.tokens.Verify(result.Token)
		if err != nil || subject != registered.ID {
			t.Fatalf("expected token bound to %s, got %q (%v)", registered.ID, subject, err)
		}
	}
}

func TestUserServiceLogin_Failures(t *testing.T) {
	repo := newMockUserRepo()
	svc := newTestUserService(repo)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "a@x.com", Password: "pw1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := svc.Login(ctx, "", "pw1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing identifier, got %v", err)
	}
	if _, err := svc.Login(ctx, "alice", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing password, got %v", err)
	}
	if _, err := svc.Login(ctx, "bob", "x"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := svc.Login(ctx, "alice", "pw2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	repo.getErr = errors.New("timeout")
	_, err := svc.Login(ctx, "alice", "pw1")
	if err == nil || errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestUserServiceAuthorize(t *testing.T) {
	repo := newMockUserRepo()
	svc := newTestUserService(repo)

	token, err := svc.tokens.Issue("u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := svc.Authorize(""); !errors.Is(err, ErrMissingAuth) {
		t.Fatalf("expected ErrMissingAuth, got %v", err)
	}
	if _, err := svc.Authorize("Bearer"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if _, err := svc.Authorize("Bearer   "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken for blank token, got %v", err)
	}
	if _, err := svc.Authorize("Bearer not-a-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
	subject, err := svc.Authorize("Bearer " + token)
	if err != nil || subject != "u1" {
		t.Fatalf("expected subject u1, got %q (%v)", subject, err)
	}
	subject, err = svc.Authorize("bearer " + token)
	if err != nil || subject != "u1" {
		t.Fatalf("expected lowercase scheme to work, got %q (%v)", subject, err)
	}
}

func TestUserServiceGetProfile(t *testing.T) {
	repo := newMockUserRepo()
	svc := newTestUserService(repo)
	ctx := context.Background()

	registered, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "a@x.com", Password: "pw1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	login, err := svc.Login(ctx, "alice", "pw1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	profile, err := svc.GetProfile(ctx, "Bearer "+login.Token)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	want := domain.Profile{Username: "alice", Balance: 0, CreatedAt: registered.CreatedAt}
	if profile != want {
		t.Fatalf("expected %+v, got %+v", want, profile)
	}

	repo.delete(registered.ID)
	if _, err := svc.GetProfile(ctx, "Bearer "+login.Token); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound after deletion, got %v", err)
	}

	if _, err := svc.GetProfile(ctx, ""); !errors.Is(err, ErrMissingAuth) {
		t.Fatalf("expected ErrMissingAuth, got %v", err)
	}
}

func TestUserServiceGetProfile_ExpiredToken(t *testing.T) {
	repo := newMockUserRepo()
	issuedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: issuedAt}
	tokens := NewJWTService("secret", time.Hour, WithClock(clock.Now))
	svc := NewUserService(zap.NewNop(), repo, NewBcryptHasher(bcrypt.MinCost), tokens)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "a@x.com", Password: "pw1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	login, err := svc.Login(ctx, "alice", "pw1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	clock.t = issuedAt.Add(time.Hour)
	if _, err := svc.GetProfile(ctx, "Bearer "+login.Token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestUserServiceGetProfile_StoreError(t *testing.T) {
	repo := newMockUserRepo()
	svc := newTestUserService(repo)

	token, err := svc.tokens.Issue("u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	repo.getErr = errors.New("timeout")
	_, err = svc.GetProfile(context.Background(), "Bearer "+token)
	if err == nil || errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestUserService_NotConfigured(t *testing.T) {
	svc := NewUserService(nil, nil, nil, nil)
	if _, err := svc.Register(context.Background(), RegisterInput{Username: "a", Email: "b", Password: "c"}); err == nil {
		t.Fatalf("expected error without repository")
	}
	if _, err := svc.Login(context.Background(), "a", "b"); err == nil {
		t.Fatalf("expected error without repository")
	}
	if _, err := svc.Authorize("Bearer x"); err == nil {
		t.Fatalf("expected error without token service")
	}
	if _, err := svc.Profile(context.Background(), "u1"); err == nil {
		t.Fatalf("expected error without repository")
	}
}
