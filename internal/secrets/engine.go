// Package secrets stores envelope-encrypted values and inlines them into
// pipeline and deployment templates. Values are AES-256-GCM sealed under a
// single master key; plaintext exists only in memory during resolution.
package secrets

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
)

// Metadata describes a secret without its value.
type Metadata struct {
	ID        uuid.UUID  `json:"id"`
	ProjectID *uuid.UUID `json:"project_id,omitempty"`
	Name      string     `json:"name"`
	Scope     string     `json:"scope"`
	Version   int        `json:"version"`
}

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validScope(scope string) bool {
	switch scope {
	case db.SecretScopeAll, db.SecretScopePipeline, db.SecretScopeDeploy:
		return true
	}
	return false
}

// Engine is the secret store front end.
type Engine struct {
	repo    repositories.SecretRepository
	cryptor *cryptor
	logger  *zap.Logger
}

// NewEngine builds an Engine sealing under the given 32-byte master key.
func NewEngine(repo repositories.SecretRepository, masterKey []byte, logger *zap.Logger) (*Engine, error) {
	c, err := newCryptor(masterKey)
	if err != nil {
		return nil, err
	}
	return &Engine{repo: repo, cryptor: c, logger: logger}, nil
}

// Upsert encrypts and stores a value at the given scope (nil projectID is
// global). Version bumps when the name already exists at that scope.
func (e *Engine) Upsert(ctx context.Context, projectID *uuid.UUID, name, value, scope string, actor uuid.UUID) (*Metadata, error) {
	if !validName.MatchString(name) {
		return nil, platerr.Newf(platerr.KindBadRequest, "invalid secret name %q", name)
	}
	if scope == "" {
		scope = db.SecretScopeAll
	}
	if !validScope(scope) {
		return nil, platerr.Newf(platerr.KindBadRequest, "invalid secret scope %q", scope)
	}

	ciphertext, err := e.cryptor.encrypt([]byte(value))
	if err != nil {
		return nil, err
	}

	stored, err := e.repo.Upsert(ctx, &db.Secret{
		ProjectID:  projectID,
		Name:       name,
		Ciphertext: ciphertext,
		Scope:      scope,
		CreatedBy:  actor,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("secret stored",
		zap.String("name", name),
		zap.String("scope", scope),
		zap.Int("version", stored.Version))
	return toMetadata(stored), nil
}

// List returns metadata only; ciphertext never leaves the engine.
func (e *Engine) List(ctx context.Context, projectID *uuid.UUID) ([]Metadata, error) {
	rows, err := e.repo.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, 0, len(rows))
	for i := range rows {
		out = append(out, *toMetadata(&rows[i]))
	}
	return out, nil
}

// Delete removes the secret at its exact scope and reports whether it
// existed.
func (e *Engine) Delete(ctx context.Context, projectID *uuid.UUID, name string) (bool, error) {
	return e.repo.Delete(ctx, projectID, name)
}

// Resolve decrypts the secret visible to the project, preferring the
// project-scoped row over a global one. The secret's scope must be all,
// equal the requested scope, or the request must be for all.
func (e *Engine) Resolve(ctx context.Context, projectID uuid.UUID, name, requestedScope string) (string, error) {
	row, err := e.repo.Lookup(ctx, projectID, name)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return "", platerr.Newf(platerr.KindNotFound, "secret %q not found", name)
		}
		return "", err
	}

	if !scopeAllows(row.Scope, requestedScope) {
		return "", platerr.Newf(platerr.KindForbidden, "secret %q not allowed in scope %q", name, requestedScope)
	}

	plaintext, err := e.cryptor.decrypt(row.Ciphertext)
	if err != nil {
		e.logger.Error("secret decrypt failed", zap.String("name", name), zap.Error(err))
		return "", err
	}
	return string(plaintext), nil
}

func scopeAllows(secretScope, requestedScope string) bool {
	return secretScope == db.SecretScopeAll ||
		secretScope == requestedScope ||
		requestedScope == db.SecretScopeAll
}

const (
	placeholderOpen  = "${{ secrets."
	placeholderClose = " }}"
)

// Inline substitutes every ${{ secrets.NAME }} placeholder in template with
// the resolved value. A failed resolution logs a warning and leaves that
// placeholder verbatim. The scan resumes after each substituted value, so
// secret values containing placeholder syntax are never re-expanded.
func (e *Engine) Inline(ctx context.Context, projectID uuid.UUID, scope, template string) string {
	var b strings.Builder
	rest := template

	for {
		start := strings.Index(rest, placeholderOpen)
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}

		tail := rest[start+len(placeholderOpen):]
		end := strings.Index(tail, placeholderClose)
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}

		name := tail[:end]
		placeholder := rest[start : start+len(placeholderOpen)+end+len(placeholderClose)]
		b.WriteString(rest[:start])

		if !validName.MatchString(name) {
			b.WriteString(placeholder)
		} else if value, err := e.Resolve(ctx, projectID, name, scope); err != nil {
			e.logger.Warn("secret inline failed",
				zap.String("name", name),
				zap.String("scope", scope),
				zap.Error(err))
			b.WriteString(placeholder)
		} else {
			b.WriteString(value)
		}

		rest = tail[end+len(placeholderClose):]
	}
}

func toMetadata(s *db.Secret) *Metadata {
	return &Metadata{
		ID:        s.ID,
		ProjectID: s.ProjectID,
		Name:      s.Name,
		Scope:     s.Scope,
		Version:   s.Version,
	}
}
