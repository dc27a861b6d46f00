package service

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrHashing         = errors.New("password hashing failed")
	ErrPasswordTooLong = fmt.Errorf("%w: password exceeds 72 bytes", ErrValidation)
)

// PasswordHasher genera y verifica hashes de contraseñas con sal por llamada.
type PasswordHasher interface {
	Hash(password string) (string, error)
	// Verify nunca falla por formato: un hash ilegible devuelve false.
	Verify(password, hash string) bool
}

// NewPasswordHasher hashea con el algoritmo configurado pero verifica
// cualquier formato soportado, asi cambiar HASH_ALGORITHM no invalida
// las cuentas existentes.
func NewPasswordHasher(algorithm string, bcryptCost int) PasswordHasher {
	bcryptHasher := NewBcryptHasher(bcryptCost)
	argonHasher := NewArgon2Hasher()
	h := &dispatchHasher{bcrypt: bcryptHasher, argon2: argonHasher, primary: bcryptHasher}
	if strings.ToLower(strings.TrimSpace(algorithm)) == "argon2id" {
		h.primary = argonHasher
	}
	return h
}

type dispatchHasher struct {
	primary PasswordHasher
	bcrypt  *BcryptHasher
	argon2  *Argon2Hasher
}

func (h *dispatchHasher) Hash(password string) (string, error) {
	return h.primary.Hash(password)
}

func (h *dispatchHasher) Verify(password, hash string) bool {
	if strings.HasPrefix(hash, "$argon2id$") {
		return h.argon2.Verify(password, hash)
	}
	return h.bcrypt.Verify(password, hash)
}

type BcryptHasher struct {
	cost int
}

func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", ErrPasswordTooLong
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHashing, err)
	}
	return string(hash), nil
}

func (h *BcryptHasher) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Argon2Hasher codifica como $argon2id$v=19$m=MEMORY,t=TIME,p=THREADS$SALT$HASH.
type Argon2Hasher struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
	saltLen int
}

func NewArgon2Hasher() *Argon2Hasher {
	return &Argon2Hasher{
		time:    1,
		memory:  64 * 1024,
		threads: 4,
		keyLen:  32,
		saltLen: 16,
	}
}

func (h *Argon2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrHashing, err)
	}
	key := argon2.IDKey([]byte(password), salt, h.time, h.memory, h.threads, h.keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.memory, h.time, h.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (h *Argon2Hasher) Verify(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false
	}
	if memory == 0 || iterations == 0 || threads == 0 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(expected) == 0 {
		return false
	}
	key := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(key, expected) == 1
}
