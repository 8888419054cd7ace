package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/ecoflow-go-sdk/pkg/quota"
)

const (
	HeaderAccessKey = "accessKey"
	HeaderNonce     = "nonce"
	HeaderTimestamp = "timestamp"
	HeaderSign      = "sign"
)

type SignParameters struct {
	AccessKey string
	Nonce     string
	Timestamp string
	Query     string
	Sign      string
}

type Signer struct {
	accessKey string
	secretKey string
	nonce     func() string
	now       func() time.Time
}

func NewSigner(accessKey, secretKey string) *Signer {
	return &Signer{
		accessKey: accessKey,
		secretKey: secretKey,
		nonce:     GenerateNonce,
		now:       time.Now,
	}
}

// WithNonceSource replaces the nonce and clock sources; tests use it to pin
// both values.
func (s *Signer) WithNonceSource(nonce func() string, now func() time.Time) *Signer {
	s.nonce = nonce
	s.now = now
	return s
}

func (s *Signer) Sign(params map[string]interface{}) *SignParameters {
	query := QueryString(params)
	nonce := s.nonce()
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)

	return &SignParameters{
		AccessKey: s.accessKey,
		Nonce:     nonce,
		Timestamp: timestamp,
		Query:     query,
		Sign:      EncryptHMACSHA256(SignContent(query, s.accessKey, nonce, timestamp), s.secretKey),
	}
}

func SignContent(query, accessKey, nonce, timestamp string) string {
	content := fmt.Sprintf("%s=%s&%s=%s&%s=%s",
		HeaderAccessKey, accessKey, HeaderNonce, nonce, HeaderTimestamp, timestamp)
	if query != "" {
		content = query + "&" + content
	}
	return content
}

// QueryString flattens params and joins the sorted pairs as key=value&...
func QueryString(params map[string]interface{}) string {
	pairs := quota.Flatten(params)
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.Key + "=" + p.Value
	}
	return strings.Join(parts, "&")
}

// GenerateNonce returns a zero-padded 6 digit random decimal.
func GenerateNonce() string {
	return fmt.Sprintf("%06d", rand.Intn(1000000))
}

func EncryptHMACSHA256(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
