package twofactor

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/notify/notifytest"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/entity"
)

func TestHOTPMatchesRFC6238Vectors(t *testing.T) {
	secret := []byte("12345678901234567890")
	vectors := []struct {
		unix int64
		code string
	}{
		{59, "94287082"},
		{1111111109, "07081804"},
		{1111111111, "14050471"},
		{1234567890, "89005924"},
		{2000000000, "69279037"},
		{20000000000, "65353130"},
	}
	for _, v := range vectors {
		got, err := hotpCode(secret, v.unix/30, 8, "SHA1")
		require.NoError(t, err)
		assert.Equal(t, v.code, got, "t=%d", v.unix)
	}
}

func TestTOTPVerifyWithSkew(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	totp := NewTOTP(TOTPConfig{Issuer: "Pitchfork", Skew: 1})
	now := time.Unix(1_700_000_000, 0)
	totp.now = func() time.Time { return now }

	current, err := totp.CodeAt(key, now)
	require.NoError(t, err)
	previous, err := totp.CodeAt(key, now.Add(-30*time.Second))
	require.NoError(t, err)
	stale, err := totp.CodeAt(key, now.Add(-90*time.Second))
	require.NoError(t, err)

	ok, err := totp.VerifyCode(key, current)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = totp.VerifyCode(key, previous)
	require.NoError(t, err)
	assert.True(t, ok)

	if stale != current && stale != previous {
		ok, err = totp.VerifyCode(key, stale)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	ok, err = totp.VerifyCode(key, "12ab56")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = totp.VerifyCode(key, "1234")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTOTPAcceptsLowercaseKeys(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	totp := NewTOTP(TOTPConfig{Skew: 1})
	code, err := totp.CodeAt(key, time.Now())
	require.NoError(t, err)

	ok, err := totp.VerifyCode(strings.ToLower(key), code)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = totp.VerifyCode("!!!", code)
	assert.Error(t, err)
}

func TestProvisionURI(t *testing.T) {
	totp := NewTOTP(TOTPConfig{Issuer: "Pitchfork Identity"})
	raw := totp.ProvisionURI("JBSWY3DPEHPK3PXP", "alice@example.com")

	require.True(t, strings.HasPrefix(raw, "otpauth://totp/"))
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", u.Query().Get("secret"))
	assert.Equal(t, "Pitchfork Identity", u.Query().Get("issuer"))
	assert.Equal(t, "6", u.Query().Get("digits"))
	assert.Equal(t, "30", u.Query().Get("period"))
}

func newEmailCodes(t *testing.T) (*EmailCodes, *notifytest.Recorder, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rec := &notifytest.Recorder{}
	return NewEmailCodes(rdb, rec, time.Minute, zap.NewNop().Sugar()), rec, mr
}

func codeFrom(t *testing.T, rec *notifytest.Recorder) string {
	t.Helper()
	msg, ok := rec.Last()
	require.True(t, ok)
	return strings.TrimPrefix(msg.Body, "The code is: ")
}

func TestEmailCodeIsSingleUse(t *testing.T) {
	codes, rec, _ := newEmailCodes(t)
	ctx := context.Background()
	u := &entity.User{ID: 7, Email: "alice@example.com"}

	require.NoError(t, codes.Issue(ctx, u))
	require.Len(t, rec.Sent(), 1)
	code := codeFrom(t, rec)
	assert.Len(t, code, 6)

	ok, err := codes.Verify(ctx, u, "000000x")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = codes.Verify(ctx, u, code)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = codes.Verify(ctx, u, code)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmailCodeConsumedOnceUnderConcurrency(t *testing.T) {
	codes, rec, mr := newEmailCodes(t)
	ctx := context.Background()
	u := &entity.User{ID: 10, Email: "dave@example.com"}

	require.NoError(t, codes.Issue(ctx, u))
	code := codeFrom(t, rec)

	ok, err := codes.Verify(ctx, u, "999999x")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists(emailCodeKey(10)), "a wrong code must not consume the stored one")

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := codes.Verify(ctx, u, code); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.False(t, mr.Exists(emailCodeKey(10)))
}

func TestEmailCodeExpires(t *testing.T) {
	codes, rec, mr := newEmailCodes(t)
	ctx := context.Background()
	u := &entity.User{ID: 8, Email: "bob@example.com"}

	require.NoError(t, codes.Issue(ctx, u))
	mr.FastForward(2 * time.Minute)

	ok, err := codes.Verify(ctx, u, codeFrom(t, rec))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmailCodeDispatchFailureDiscardsCode(t *testing.T) {
	codes, rec, mr := newEmailCodes(t)
	rec.Err = errors.New("smtp down")
	u := &entity.User{ID: 9, Email: "carol@example.com"}

	err := codes.Issue(context.Background(), u)
	require.Error(t, err)
	assert.False(t, mr.Exists(emailCodeKey(9)))
}

func TestManagerDispatchesOnFactorType(t *testing.T) {
	codes, rec, _ := newEmailCodes(t)
	totp := NewTOTP(TOTPConfig{Skew: 1})
	m := NewManager(codes, totp)
	ctx := context.Background()

	sent, err := m.Challenge(ctx, &entity.User{ID: 1, Email: "a@b.c", TwoFactorType: entity.TwoFactorAuthenticator})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, rec.Sent())

	emailUser := &entity.User{ID: 2, Email: "a@b.c", TwoFactorType: entity.TwoFactorEmail}
	sent, err = m.Challenge(ctx, emailUser)
	require.NoError(t, err)
	assert.True(t, sent)
	ok, err := m.Verify(ctx, emailUser, codeFrom(t, rec))
	require.NoError(t, err)
	assert.True(t, ok)

	key, err := GenerateKey()
	require.NoError(t, err)
	appUser := &entity.User{ID: 3, TwoFactorType: entity.TwoFactorAuthenticator, AuthenticatorKey: &key}
	code, err := totp.CodeAt(key, time.Now())
	require.NoError(t, err)
	ok, err = m.Verify(ctx, appUser, code)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Verify(ctx, &entity.User{ID: 4, TwoFactorType: entity.TwoFactorAuthenticator}, code)
	require.NoError(t, err)
	assert.False(t, ok, "no key provisioned")

	ok, err = m.Verify(ctx, &entity.User{ID: 5, TwoFactorType: entity.TwoFactorNone}, code)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Verify(ctx, &entity.User{ID: 6, TwoFactorType: "sms"}, code)
	assert.ErrorIs(t, err, ErrUnsupportedType)
	_, err = m.Challenge(ctx, &entity.User{ID: 6, TwoFactorType: "sms"})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}
