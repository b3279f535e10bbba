// Package memory holds an in-process store implementing the same contracts
// as the postgres repo. It backs service-level tests; the mutex gives it the
// same single-winner semantics the conditional SQL updates give postgres.
package memory

import (
	"context"
	"sync"
	"time"

	"account_service/internal/models"
	"account_service/internal/storage"
)

type MemoryRepo struct {
	mu         sync.Mutex
	nextUserID int64
	users      map[int64]*models.User
	byEmail    map[string]int64
	byUsername map[string]int64
	refresh    map[string]*models.RefreshToken
	singleUse  map[string]*models.SingleUseToken
}

func New() *MemoryRepo {
	return &MemoryRepo{
		nextUserID: 1,
		users:      make(map[int64]*models.User),
		byEmail:    make(map[string]int64),
		byUsername: make(map[string]int64),
		refresh:    make(map[string]*models.RefreshToken),
		singleUse:  make(map[string]*models.SingleUseToken),
	}
}

func (r *MemoryRepo) SaveUser(_ context.Context, email, username string, passHash []byte) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[email]; ok {
		return 0, storage.ErrUserExists
	}
	if _, ok := r.byUsername[username]; ok {
		return 0, storage.ErrUserExists
	}

	id := r.nextUserID
	r.nextUserID++

	r.users[id] = &models.User{
		ID:       id,
		Email:    email,
		Username: username,
		PassHash: append([]byte(nil), passHash...),
	}
	r.byEmail[email] = id
	r.byUsername[username] = id

	return id, nil
}

func (r *MemoryRepo) UserByEmail(_ context.Context, email string) (models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byEmail[email]
	if !ok {
		return models.User{}, storage.ErrUserNotFound
	}

	return *r.users[id], nil
}

func (r *MemoryRepo) UserByID(_ context.Context, id int64) (models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return models.User{}, storage.ErrUserNotFound
	}

	return *u, nil
}

func (r *MemoryRepo) UpdatePassword(_ context.Context, userID int64, passHash []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}

	u.PassHash = append([]byte(nil), passHash...)

	return nil
}

func (r *MemoryRepo) SaveRefreshToken(_ context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.refresh[tokenHash]; ok {
		return storage.ErrHashConflict
	}

	r.refresh[tokenHash] = &models.RefreshToken{
		TokenHash: tokenHash,
		UserID:    userID,
		IssuedAt:  time.Now(),
		ExpiresAt: expiresAt,
	}

	return nil
}

func (r *MemoryRepo) ConsumeRefreshToken(_ context.Context, tokenHash string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.refresh[tokenHash]
	if !ok || rt.Revoked {
		return 0, storage.ErrTokenNotFound
	}

	rt.Revoked = true

	if time.Now().After(rt.ExpiresAt) {
		return 0, storage.ErrTokenExpired
	}

	return rt.UserID, nil
}

func (r *MemoryRepo) RevokeRefreshToken(_ context.Context, tokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rt, ok := r.refresh[tokenHash]; ok {
		rt.Revoked = true
	}

	return nil
}

func (r *MemoryRepo) RevokeAllRefreshTokens(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.revokeAllLocked(userID)

	return nil
}

func (r *MemoryRepo) revokeAllLocked(userID int64) {
	for _, rt := range r.refresh {
		if rt.UserID == userID {
			rt.Revoked = true
		}
	}
}

func (r *MemoryRepo) IssueSingleUse(
	_ context.Context,
	userID int64,
	purpose models.TokenPurpose,
	tokenHash string,
	expiresAt time.Time,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.singleUse[tokenHash]; ok {
		return storage.ErrHashConflict
	}

	for _, t := range r.singleUse {
		if t.UserID == userID && t.Purpose == purpose && !t.Consumed {
			t.Consumed = true
		}
	}

	r.singleUse[tokenHash] = &models.SingleUseToken{
		TokenHash: tokenHash,
		UserID:    userID,
		Purpose:   purpose,
		ExpiresAt: expiresAt,
	}

	return nil
}

func (r *MemoryRepo) RedeemVerification(_ context.Context, tokenHash string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, err := r.redeemLocked(tokenHash, models.PurposeVerifyEmail)
	if err != nil {
		return 0, err
	}

	r.users[userID].IsVerified = true

	return userID, nil
}

func (r *MemoryRepo) RedeemPasswordReset(_ context.Context, tokenHash string, newPassHash []byte) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, err := r.redeemLocked(tokenHash, models.PurposeResetPassword)
	if err != nil {
		return 0, err
	}

	r.users[userID].PassHash = append([]byte(nil), newPassHash...)
	r.revokeAllLocked(userID)

	return userID, nil
}

func (r *MemoryRepo) redeemLocked(tokenHash string, purpose models.TokenPurpose) (int64, error) {
	t, ok := r.singleUse[tokenHash]
	if !ok || t.Purpose != purpose {
		return 0, storage.ErrTokenNotFound
	}
	if t.Consumed {
		return 0, storage.ErrTokenConsumed
	}
	if time.Now().After(t.ExpiresAt) {
		return 0, storage.ErrTokenExpired
	}

	t.Consumed = true

	return t.UserID, nil
}

func (r *MemoryRepo) DeleteExpiredTokens(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	var deleted int64

	for hash, rt := range r.refresh {
		if now.After(rt.ExpiresAt) {
			delete(r.refresh, hash)
			deleted++
		}
	}
	for hash, t := range r.singleUse {
		if now.After(t.ExpiresAt) {
			delete(r.singleUse, hash)
			deleted++
		}
	}

	return deleted, nil
}

func (r *MemoryRepo) Ping(_ context.Context) error {
	return nil
}

// ExpireRefreshToken backdates a refresh token. Test helper.
func (r *MemoryRepo) ExpireRefreshToken(tokenHash string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rt, ok := r.refresh[tokenHash]; ok {
		rt.ExpiresAt = time.Now().Add(-time.Minute)
	}
}

// ExpireSingleUseToken backdates a single-use token. Test helper.
func (r *MemoryRepo) ExpireSingleUseToken(tokenHash string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.singleUse[tokenHash]; ok {
		t.ExpiresAt = time.Now().Add(-time.Minute)
	}
}
