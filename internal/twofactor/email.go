package twofactor

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/notify"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/entity"
)

const emailCodeDigits = 6

// EmailCodes issues one-time codes by email. Only a hash of the code is kept
// in Redis, and a code is consumed by the first successful verification.
type EmailCodes struct {
	rdb        redis.Cmdable
	dispatcher notify.Dispatcher
	ttl        time.Duration
	logger     *zap.SugaredLogger
}

func NewEmailCodes(rdb redis.Cmdable, dispatcher notify.Dispatcher, ttl time.Duration, logger *zap.SugaredLogger) *EmailCodes {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &EmailCodes{rdb: rdb, dispatcher: dispatcher, ttl: ttl, logger: logger}
}

func emailCodeKey(userID int64) string {
	return "2fa:email:" + strconv.FormatInt(userID, 10)
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func newNumericCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}

// Issue stores a fresh code for u and emails it. A failed dispatch removes the code.
func (e *EmailCodes) Issue(ctx context.Context, u *entity.User) error {
	if u.Email == "" {
		return notify.ErrNoRecipient
	}
	code, err := newNumericCode(emailCodeDigits)
	if err != nil {
		return fmt.Errorf("generate email code: %w", err)
	}
	key := emailCodeKey(u.ID)
	if err := e.rdb.Set(ctx, key, hashCode(code), e.ttl).Err(); err != nil {
		return fmt.Errorf("store email code: %w", err)
	}
	msg := notify.Message{
		To:      u.Email,
		Subject: "2FA Verification Code",
		Body:    "The code is: " + code,
		IsHTML:  true,
	}
	if err := e.dispatcher.SendEmail(ctx, msg); err != nil {
		if delErr := e.rdb.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
			e.logger.Warnw("discard undelivered email code", "user_id", u.ID, "err", delErr)
		}
		return fmt.Errorf("send email code: %w", err)
	}
	return nil
}

// consumeCodeLua deletes KEYS[1] only when it holds the hash in ARGV[1].
// Returns 1 when consumed, 0 when absent, -1 on mismatch. Hashes rather
// than codes are compared, so the plain string equality leaks nothing useful.
var consumeCodeLua = redis.NewScript(`
local stored = redis.call('GET', KEYS[1])
if not stored then
  return 0
end
if stored ~= ARGV[1] then
  return -1
end
redis.call('DEL', KEYS[1])
return 1
`)

// Verify checks code for u and consumes it on success. A wrong code leaves
// the stored one in place.
func (e *EmailCodes) Verify(ctx context.Context, u *entity.User, code string) (bool, error) {
	n, err := consumeCodeLua.Run(ctx, e.rdb, []string{emailCodeKey(u.ID)}, hashCode(code)).Int()
	if err != nil {
		return false, fmt.Errorf("consume email code: %w", err)
	}
	return n == 1, nil
}
