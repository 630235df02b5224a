package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowgate/internal/domain"
	"flowgate/internal/engine/auth"
	"flowgate/internal/events"
	"flowgate/internal/repo"
)

// UserCreateOptions are parameters for creating a user. An empty Role means
// a regular user.
type UserCreateOptions struct {
	ID      string
	Name    string
	Email   string
	Role    string
	ActorID string
}

func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	if opts.Name == "" {
		return domain.User{}, errors.New("name is required")
	}
	role := opts.Role
	if role == "" {
		role = domain.RoleUser
	}
	if role != domain.RoleAdmin && role != domain.RoleUser {
		return domain.User{}, fmt.Errorf("invalid role %q", role)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	u := domain.User{
		ID:        domain.UserID(id),
		Name:      opts.Name,
		Email:     opts.Email,
		Role:      role,
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "user.created", "", "user", string(u.ID), opts.ActorID, events.EventPayload{"role": u.Role}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// UserUpdateOptions carry the fields to change; nil pointers leave the
// stored value alone.
type UserUpdateOptions struct {
	ID      string
	Name    *string
	Email   *string
	Role    *string
	ActorID string
}

func (e Engine) UpdateUser(ctx context.Context, opts UserUpdateOptions) (domain.User, error) {
	if opts.Name != nil && *opts.Name == "" {
		return domain.User{}, errors.New("name cannot be empty")
	}
	if opts.Role != nil && *opts.Role != domain.RoleAdmin && *opts.Role != domain.RoleUser {
		return domain.User{}, fmt.Errorf("invalid role %q", *opts.Role)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateUser(ctx, tx, domain.UserID(opts.ID), opts.Name, opts.Email, opts.Role); err != nil {
		return domain.User{}, err
	}
	u, err := e.Repo.GetUserTx(ctx, tx, domain.UserID(opts.ID))
	if err != nil {
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, tx, "user.updated", "", "user", string(u.ID), opts.ActorID, events.EventPayload{"role": u.Role}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// DeleteUser removes the user and their API keys.
func (e Engine) DeleteUser(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM api_keys WHERE user_id=?`, id); err != nil {
		return err
	}
	if err := e.Repo.DeleteUser(ctx, tx, domain.UserID(id)); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "user.deleted", "", "user", id, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetUser(ctx context.Context, id string) (domain.User, error) {
	return e.Repo.GetUser(ctx, domain.UserID(id))
}

func (e Engine) ListUsers(ctx context.Context) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx)
}

// CreateAPIKey mints a key for the user and returns the plaintext secret
// once; only the hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	if _, err := e.Repo.GetUser(ctx, domain.UserID(userID)); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("user %s: %w", userID, err)
	}
	secret, err := auth.NewAPIKeySecret()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	key := domain.APIKey{
		ID:        uuid.New().String(),
		UserID:    domain.UserID(userID),
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, domain.UserID(userID))
}

func (e Engine) DeleteAPIKey(ctx context.Context, id string) error {
	return e.Repo.DeleteAPIKey(ctx, id)
}

// ResolveAPIKey returns the user behind a plaintext API key.
func (e Engine) ResolveAPIKey(ctx context.Context, secret string) (domain.User, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, key.UserID)
}

// IssueToken mints a JWT for the user with their stored role.
func (e Engine) IssueToken(ctx context.Context, userID, secret string, ttl time.Duration) (string, error) {
	u, err := e.Repo.GetUser(ctx, domain.UserID(userID))
	if err != nil {
		return "", fmt.Errorf("user %s: %w", userID, err)
	}
	return auth.MintToken(secret, u.ID, u.Role, ttl, e.now())
}
