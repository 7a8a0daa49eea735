package secrets

import (
	"bytes"
	"context"
	"crypto/sha256"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
)

func testKey() []byte {
	k := sha256.Sum256([]byte("test-master-key"))
	return k[:]
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	database, err := db.NewMemory(zap.NewNop())
	require.NoError(t, err)
	engine, err := NewEngine(repositories.NewSecretRepository(database), testKey(), zap.NewNop())
	require.NoError(t, err)
	return engine
}

func TestCryptorRoundTrip(t *testing.T) {
	c, err := newCryptor(testKey())
	require.NoError(t, err)

	envelope, err := c.encrypt([]byte("s3cret value"))
	require.NoError(t, err)
	assert.Greater(t, len(envelope), nonceSize)

	plaintext, err := c.decrypt(envelope)
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret value"), plaintext)

	// Fresh nonce per encrypt.
	envelope2, err := c.encrypt([]byte("s3cret value"))
	require.NoError(t, err)
	assert.False(t, bytes.Equal(envelope, envelope2))
}

func TestCryptorRejectsTamper(t *testing.T) {
	c, err := newCryptor(testKey())
	require.NoError(t, err)

	envelope, err := c.encrypt([]byte("value"))
	require.NoError(t, err)

	// Too short.
	_, err = c.decrypt(envelope[:nonceSize-1])
	assert.Equal(t, platerr.KindCrypto, platerr.KindOf(err))

	// Bit flip in the GCM output.
	flipped := append([]byte(nil), envelope...)
	flipped[len(flipped)-1] ^= 0x01
	_, err = c.decrypt(flipped)
	assert.Equal(t, platerr.KindCrypto, platerr.KindOf(err))

	// Wrong key.
	otherKey := sha256.Sum256([]byte("other"))
	other, err := newCryptor(otherKey[:])
	require.NoError(t, err)
	_, err = other.decrypt(envelope)
	assert.Equal(t, platerr.KindCrypto, platerr.KindOf(err))
}

func TestCryptorKeyLength(t *testing.T) {
	_, err := newCryptor([]byte("short"))
	assert.Error(t, err)
}

func TestUpsertAndResolve(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	actor := uuid.New()
	projectID := uuid.New()

	meta, err := e.Upsert(ctx, &projectID, "DB_URL", "postgres://one", db.SecretScopeAll, actor)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Version)

	value, err := e.Resolve(ctx, projectID, "DB_URL", db.SecretScopeDeploy)
	require.NoError(t, err)
	assert.Equal(t, "postgres://one", value)

	// Upsert replaces the value and bumps version.
	meta, err = e.Upsert(ctx, &projectID, "DB_URL", "postgres://two", db.SecretScopeAll, actor)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Version)

	value, err = e.Resolve(ctx, projectID, "DB_URL", db.SecretScopeDeploy)
	require.NoError(t, err)
	assert.Equal(t, "postgres://two", value)
}

func TestUpsertValidation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	actor := uuid.New()

	_, err := e.Upsert(ctx, nil, "bad name", "v", db.SecretScopeAll, actor)
	assert.Equal(t, platerr.KindBadRequest, platerr.KindOf(err))

	_, err = e.Upsert(ctx, nil, "NAME", "v", "bogus", actor)
	assert.Equal(t, platerr.KindBadRequest, platerr.KindOf(err))
}

func TestResolveScopeCheck(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	actor := uuid.New()
	projectID := uuid.New()

	_, err := e.Upsert(ctx, &projectID, "PIPE_ONLY", "v", db.SecretScopePipeline, actor)
	require.NoError(t, err)

	// Matching scope and requested-all pass.
	_, err = e.Resolve(ctx, projectID, "PIPE_ONLY", db.SecretScopePipeline)
	assert.NoError(t, err)
	_, err = e.Resolve(ctx, projectID, "PIPE_ONLY", db.SecretScopeAll)
	assert.NoError(t, err)

	// A different concrete scope is refused.
	_, err = e.Resolve(ctx, projectID, "PIPE_ONLY", db.SecretScopeDeploy)
	assert.Equal(t, platerr.KindForbidden, platerr.KindOf(err))
}

func TestResolvePrefersProjectScope(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	actor := uuid.New()
	projectID := uuid.New()

	_, err := e.Upsert(ctx, nil, "TOKEN", "global", db.SecretScopeAll, actor)
	require.NoError(t, err)
	_, err = e.Upsert(ctx, &projectID, "TOKEN", "project", db.SecretScopeAll, actor)
	require.NoError(t, err)

	value, err := e.Resolve(ctx, projectID, "TOKEN", db.SecretScopeAll)
	require.NoError(t, err)
	assert.Equal(t, "project", value)

	value, err = e.Resolve(ctx, uuid.New(), "TOKEN", db.SecretScopeAll)
	require.NoError(t, err)
	assert.Equal(t, "global", value)
}

func TestListOmitsValues(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.Upsert(ctx, nil, "A", "va", db.SecretScopeAll, uuid.New())
	require.NoError(t, err)

	list, err := e.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "A", list[0].Name)
	assert.Equal(t, 1, list[0].Version)
}

func TestDeleteReportsExistence(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.Upsert(ctx, nil, "A", "v", db.SecretScopeAll, uuid.New())
	require.NoError(t, err)

	existed, err := e.Delete(ctx, nil, "A")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = e.Delete(ctx, nil, "A")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestInlineSubstitution(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	actor := uuid.New()
	projectID := uuid.New()

	_, err := e.Upsert(ctx, &projectID, "DB_URL", "postgres://db", db.SecretScopeDeploy, actor)
	require.NoError(t, err)
	_, err = e.Upsert(ctx, &projectID, "API_KEY", "key-123", db.SecretScopeAll, actor)
	require.NoError(t, err)

	template := "url: ${{ secrets.DB_URL }}\nkey: ${{ secrets.API_KEY }}\nmissing: ${{ secrets.NOPE }}"
	out := e.Inline(ctx, projectID, db.SecretScopeDeploy, template)
	assert.Equal(t, "url: postgres://db\nkey: key-123\nmissing: ${{ secrets.NOPE }}", out)
}

func TestInlineIsNotRecursive(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	actor := uuid.New()
	projectID := uuid.New()

	// A secret whose value looks like a placeholder must not be re-expanded.
	_, err := e.Upsert(ctx, &projectID, "OUTER", "${{ secrets.INNER }}", db.SecretScopeAll, actor)
	require.NoError(t, err)
	_, err = e.Upsert(ctx, &projectID, "INNER", "should-not-appear", db.SecretScopeAll, actor)
	require.NoError(t, err)

	out := e.Inline(ctx, projectID, db.SecretScopeAll, "v: ${{ secrets.OUTER }}")
	assert.Equal(t, "v: ${{ secrets.INNER }}", out)
}

func TestInlineScopeFailureLeavesPlaceholder(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	projectID := uuid.New()

	_, err := e.Upsert(ctx, &projectID, "PIPE", "v", db.SecretScopePipeline, uuid.New())
	require.NoError(t, err)

	out := e.Inline(ctx, projectID, db.SecretScopeDeploy, "x=${{ secrets.PIPE }}")
	assert.Equal(t, "x=${{ secrets.PIPE }}", out)
}

func TestInlineNoPlaceholders(t *testing.T) {
	e := newTestEngine(t)
	out := e.Inline(context.Background(), uuid.New(), db.SecretScopeAll, "plain text")
	assert.Equal(t, "plain text", out)
}
