package service

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/templui/downloadgroups/internal/model"
)

func TestAuthService_RoundTrip(t *testing.T) {
	auth := NewAuthService("secret", time.Hour)
	in := &model.Principal{ID: "u1", TenantID: "t1", Capabilities: []string{model.CapabilityManageDownloads}}

	token, err := auth.GenerateJWT(in)
	require.NoError(t, err)

	out, err := auth.VerifyJWT(token)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.True(t, out.HasCapability(model.CapabilityManageDownloads))
}

func TestAuthService_Rejects(t *testing.T) {
	auth := NewAuthService("secret", time.Hour)
	p := &model.Principal{ID: "u1", TenantID: "t1"}

	other, err := NewAuthService("other", time.Hour).GenerateJWT(p)
	require.NoError(t, err)
	expired, err := NewAuthService("secret", -time.Minute).GenerateJWT(p)
	require.NoError(t, err)
	noTenant, err := auth.GenerateJWT(&model.Principal{ID: "u1"})
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1", "tenant_id": "t1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"wrong secret": other,
		"expired":      expired,
		"no tenant":    noTenant,
		"alg none":     none,
		"garbage":      "not-a-token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := auth.VerifyJWT(token)
			assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}
}
