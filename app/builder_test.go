package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tech-arch1tect/tokenguard/internal/options"
	"github.com/tech-arch1tect/tokenguard/services/device"
	"github.com/tech-arch1tect/tokenguard/services/issuer"
	"github.com/tech-arch1tect/tokenguard/services/rotation"
	"github.com/tech-arch1tect/tokenguard/services/tokenauth"
	"github.com/tech-arch1tect/tokenguard/services/tokenerr"
	"github.com/tech-arch1tect/tokenguard/testutils"
	"go.uber.org/fx"
)

type lockedUsers struct{}

func (lockedUsers) GetUser(_ context.Context, id uint) (*issuer.User, error) {
	return &issuer.User{ID: id, Locked: true}, nil
}

func testVerifyContext() tokenauth.VerifyContext {
	return tokenauth.VerifyContext{IPAddress: "203.0.113.10", Location: "Berlin", UserAgent: testutils.ChromeUserAgent}
}

func TestNewApp(t *testing.T) {
	builder := NewApp()

	assert.NotNil(t, builder)
	assert.Empty(t, builder.models)
	assert.Empty(t, builder.fxOptions)
	assert.Empty(t, builder.errors)
}

func TestAppBuilder_WithConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg := testutils.GetTestConfig()
		builder := NewApp()

		result := builder.WithConfig(cfg)

		assert.Equal(t, builder, result)
		assert.Equal(t, cfg, builder.config)
	})

	t.Run("nil config", func(t *testing.T) {
		builder := NewApp()

		builder.WithConfig(nil)

		assert.Nil(t, builder.config)
		require.Len(t, builder.errors, 1)
		assert.Contains(t, builder.errors[0].Error(), "config cannot be nil")

		_, err := builder.Build()
		assert.Error(t, err)
	})
}

func TestAppBuilder_WithUserProviderNil(t *testing.T) {
	builder := NewApp().WithUserProvider(nil)

	require.Len(t, builder.errors, 1)
	assert.Contains(t, builder.errors[0].Error(), "user provider cannot be nil")
}

func TestAppBuilder_BuildRejectsInvalidConfig(t *testing.T) {
	cfg := testutils.GetTestConfig()
	cfg.JWT.SecretKey = "short"

	_, err := NewApp().WithConfig(cfg).Build()

	assert.ErrorContains(t, err, "invalid config")
}

func TestAppBuilder_BuildWiresTokenEngine(t *testing.T) {
	var registry device.Registry

	app, err := NewApp().
		WithConfig(testutils.GetTestConfig()).
		WithFxOptions(fx.Populate(&registry)).
		Build()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() { _ = app.Stop(ctx) })

	require.NotNil(t, app.Tokens())
	require.NotNil(t, app.DB())
	assert.NotNil(t, registry)
	assert.Equal(t, "tokenguard-test", app.Config().JWT.Issuer)

	for _, model := range CoreModels() {
		assert.True(t, app.DB().Migrator().HasTable(model))
	}

	session, err := app.Tokens().IssueTokenPair(ctx, &issuer.User{ID: 1},
		device.Info{UserAgent: testutils.ChromeUserAgent},
		issuer.SessionContext{IPAddress: "203.0.113.10", Location: "Berlin", RevokeOldTokens: true})
	require.NoError(t, err)

	result, err := app.Tokens().RefreshTokens(ctx, session.RefreshToken, rotation.RequestContext{
		IPAddress: "203.0.113.10",
		Location:  "Berlin",
		UserAgent: testutils.ChromeUserAgent,
	})
	require.NoError(t, err)
	assert.True(t, result.Valid)

	require.NoError(t, app.Tokens().Logout(ctx, result.RefreshToken, result.AccessToken, ""))

	v, err := app.Tokens().VerifyAccessToken(ctx, result.AccessToken, testVerifyContext())
	require.NoError(t, err)
	assert.Equal(t, tokenerr.ReasonRevokedToken, v.Reason)
}

func TestNew_WithUserProvider(t *testing.T) {
	app, err := New(
		options.WithConfig(testutils.GetTestConfig()),
		options.WithUserProvider(lockedUsers{}),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() { _ = app.Stop(ctx) })

	session, err := app.Tokens().IssueTokenPair(ctx, &issuer.User{ID: 1},
		device.Info{UserAgent: testutils.ChromeUserAgent}, issuer.SessionContext{})
	require.NoError(t, err)

	v, err := app.Tokens().VerifyAccessToken(ctx, session.AccessToken, testVerifyContext())
	require.NoError(t, err)
	assert.Equal(t, tokenerr.ReasonAccountLocked, v.Reason)

	result, err := app.Tokens().RefreshTokens(ctx, session.RefreshToken, rotation.RequestContext{UserAgent: testutils.ChromeUserAgent})
	require.NoError(t, err)
	assert.Equal(t, tokenerr.ReasonAccountLocked, result.Reason)
}
