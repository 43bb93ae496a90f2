package twofactor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const keyBytes = 20

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// TOTPConfig mirrors the authenticator settings in the service config.
type TOTPConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Skew      int
	Algorithm string
}

// TOTP implements RFC 6238 codes for authenticator apps.
type TOTP struct {
	cfg TOTPConfig
	now func() time.Time
}

func NewTOTP(cfg TOTPConfig) *TOTP {
	if cfg.Digits == 0 {
		cfg.Digits = 6
	}
	if cfg.Period == 0 {
		cfg.Period = 30
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = "SHA1"
	}
	return &TOTP{cfg: cfg, now: time.Now}
}

// GenerateKey returns a fresh base32 authenticator secret.
func GenerateKey() (string, error) {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return keyEncoding.EncodeToString(raw), nil
}

func decodeKey(key string) ([]byte, error) {
	clean := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(key), " ", ""))
	clean = strings.TrimRight(clean, "=")
	secret, err := keyEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("decode authenticator key: %w", err)
	}
	if len(secret) == 0 {
		return nil, errors.New("empty authenticator key")
	}
	return secret, nil
}

// ProvisionURI builds the otpauth:// URI shown as a QR code during enrollment.
func (t *TOTP) ProvisionURI(key, account string) string {
	issuer := t.cfg.Issuer
	label := url.PathEscape(issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", key)
	v.Set("issuer", issuer)
	v.Set("period", strconv.Itoa(t.cfg.Period))
	v.Set("digits", strconv.Itoa(t.cfg.Digits))
	v.Set("algorithm", strings.ToUpper(t.cfg.Algorithm))

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// VerifyCode checks code against key at the current time, allowing the configured skew.
func (t *TOTP) VerifyCode(key, code string) (bool, error) {
	secret, err := decodeKey(key)
	if err != nil {
		return false, err
	}
	return t.verifyAt(secret, code, t.now())
}

// CodeAt returns the code for key at the given time.
func (t *TOTP) CodeAt(key string, at time.Time) (string, error) {
	secret, err := decodeKey(key)
	if err != nil {
		return "", err
	}
	return hotpCode(secret, at.Unix()/int64(t.cfg.Period), t.cfg.Digits, t.cfg.Algorithm)
}

func (t *TOTP) verifyAt(secret []byte, code string, now time.Time) (bool, error) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != t.cfg.Digits || !isDigits(trimmed) {
		return false, nil
	}

	base := now.Unix() / int64(t.cfg.Period)
	for step := -t.cfg.Skew; step <= t.cfg.Skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		generated, err := hotpCode(secret, counter, t.cfg.Digits, t.cfg.Algorithm)
		if err != nil {
			return false, err
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func hotpCode(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	hf, err := hmacFunc(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(hf, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, bin%mod), nil
}

func hmacFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, errors.New("unsupported totp algorithm")
	}
}
