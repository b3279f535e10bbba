package flows_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"account_service/internal/auth"
	"account_service/internal/flows"
	"account_service/internal/lib/jwt"
	"account_service/internal/models"
	"account_service/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEmail  = "alice@x.com"
	testUser   = "alice"
	testPass   = "Secret123!"
	testSecret = "test-secret"
	publicURL  = "http://localhost:8080"
)

// capturingPublisher records published messages so tests can pull the raw
// token back out of the link, the way a mail recipient would.
type capturingPublisher struct {
	mu       sync.Mutex
	messages []models.Message
}

func (p *capturingPublisher) SendMessage(_ context.Context, msg models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.messages = append(p.messages, msg)

	return nil
}

func (p *capturingPublisher) lastToken(t *testing.T) string {
	t.Helper()

	p.mu.Lock()
	defer p.mu.Unlock()

	require.NotEmpty(t, p.messages)

	link := p.messages[len(p.messages)-1].Link
	idx := strings.LastIndex(link, "/")
	require.Greater(t, idx, 0)

	return link[idx+1:]
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.messages)
}

type fixture struct {
	auth  *auth.Auth
	flows *flows.Flows
	store *memory.MemoryRepo
	pub   *capturingPublisher
	uid   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	pub := &capturingPublisher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	a := auth.New(log, store, store, store, testSecret, time.Minute, time.Hour)
	f := flows.New(log, store, store, pub, publicURL, time.Hour, time.Hour)

	uid, err := a.RegisterNewUser(context.Background(), testEmail, testUser, testPass)
	require.NoError(t, err)

	return &fixture{auth: a, flows: f, store: store, pub: pub, uid: uid}
}

func TestVerifyEmail_Flow(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.flows.RequestEmailVerification(ctx, fx.uid))

	raw := fx.pub.lastToken(t)
	require.NoError(t, fx.flows.VerifyEmail(ctx, raw))

	user, err := fx.store.UserByID(ctx, fx.uid)
	require.NoError(t, err)
	assert.True(t, user.IsVerified)

	// Second redemption of the same token must fail.
	assert.ErrorIs(t, fx.flows.VerifyEmail(ctx, raw), flows.ErrInvalidToken)
}

func TestVerifyEmail_AlreadyVerifiedIsNoop(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.flows.RequestEmailVerification(ctx, fx.uid))
	require.NoError(t, fx.flows.VerifyEmail(ctx, fx.pub.lastToken(t)))

	sent := fx.pub.count()

	// No new token, no new mail, still success.
	require.NoError(t, fx.flows.RequestEmailVerification(ctx, fx.uid))
	assert.Equal(t, sent, fx.pub.count())
}

func TestVerifyEmail_ReissueInvalidatesPrior(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.flows.RequestEmailVerification(ctx, fx.uid))
	first := fx.pub.lastToken(t)

	require.NoError(t, fx.flows.RequestEmailVerification(ctx, fx.uid))
	second := fx.pub.lastToken(t)

	assert.ErrorIs(t, fx.flows.VerifyEmail(ctx, first), flows.ErrInvalidToken)
	require.NoError(t, fx.flows.VerifyEmail(ctx, second))
}

func TestVerifyEmail_WrongPurposeRejected(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.flows.RequestPasswordReset(ctx, testEmail))
	resetToken := fx.pub.lastToken(t)

	// A reset token must not verify an email.
	assert.ErrorIs(t, fx.flows.VerifyEmail(ctx, resetToken), flows.ErrInvalidToken)
}

func TestRequestPasswordReset_AntiEnumeration(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	// Unknown email: same success, no mail sent.
	require.NoError(t, fx.flows.RequestPasswordReset(ctx, "nobody@x.com"))
	assert.Equal(t, 0, fx.pub.count())

	require.NoError(t, fx.flows.RequestPasswordReset(ctx, testEmail))
	assert.Equal(t, 1, fx.pub.count())
}

func TestResetPassword_Flow(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	pair, err := fx.auth.Login(ctx, testEmail, testPass)
	require.NoError(t, err)

	require.NoError(t, fx.flows.RequestPasswordReset(ctx, testEmail))
	raw := fx.pub.lastToken(t)

	require.NoError(t, fx.flows.ResetPassword(ctx, raw, "NewSecret456!"))

	// Old password rejected, new one accepted.
	_, err = fx.auth.Login(ctx, testEmail, testPass)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = fx.auth.Login(ctx, testEmail, "NewSecret456!")
	require.NoError(t, err)

	// Every pre-reset session is terminated.
	_, err = fx.auth.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrSessionInvalid)

	// The token is single-use.
	assert.ErrorIs(t, fx.flows.ResetPassword(ctx, raw, "Another789!"), flows.ErrInvalidToken)
}

func TestResetPassword_ExpiredToken(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.flows.RequestPasswordReset(ctx, testEmail))
	raw := fx.pub.lastToken(t)

	fx.store.ExpireSingleUseToken(jwt.HashToken(raw))

	// Expired and unknown collapse into the same error.
	errExpired := fx.flows.ResetPassword(ctx, raw, "NewSecret456!")
	errUnknown := fx.flows.ResetPassword(ctx, "never-issued", "NewSecret456!")
	assert.ErrorIs(t, errExpired, flows.ErrInvalidToken)
	assert.ErrorIs(t, errUnknown, flows.ErrInvalidToken)
}
