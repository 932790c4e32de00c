// Package emailotp implements the email one-time-code alternative
// authenticator of spec §4.5: a 6-digit code, HMAC-hashed at rest in the
// Challenge actor, rate-limited per address, and verified in constant time
// with a deliberately opaque failure (spec §7's generic ChallengeInvalid).
package emailotp

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"github.com/sgrastar/authrim/internal/actor"
	"github.com/sgrastar/authrim/internal/apperror"
	icrypto "github.com/sgrastar/authrim/internal/crypto"
	"github.com/sgrastar/authrim/internal/model"
)

// CodeTTL is how long an emailed code remains valid.
const CodeTTL = 10 * time.Minute

// CodeDigits is the length of the emailed numeric code.
const CodeDigits = 6

// VerifyFloor is the minimum wall-clock time Verify spends before
// returning, win or lose, so a timing side channel can't distinguish a
// wrong code from a not-found challenge (spec §4.5: "constant-time,
// floor >= 500ms plus jitter").
const VerifyFloor = 500 * time.Millisecond

// Mailer sends the one-time code to the user; the concrete SMTP/API
// transport lives outside this package.
type Mailer interface {
	SendCode(ctx context.Context, email, code string) error
}

// Sender issues and emails a fresh code, recording its HMAC digest in a
// Challenge and rate-limiting by email address.
type Sender struct {
	Challenges *actor.ChallengeStore
	Limiter    *actor.RateLimiter
	Mail       Mailer
	HMACKey    []byte

	Now func() time.Time
}

func (s *Sender) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RateLimitParams bounds how often one address may request a code.
var RateLimitParams = actor.RateLimitParams{WindowSeconds: 3600, MaxRequests: 5}

// Send generates a code, stores its digest as an email_code Challenge keyed
// by challengeID, and emails it. Returns apperror.RateLimited if the
// address has requested too many codes recently.
func (s *Sender) Send(ctx context.Context, challengeID, email string) error {
	bucket := "emailotp:" + email
	result := s.Limiter.Increment(ctx, bucket, RateLimitParams)
	if !result.Allowed {
		return apperror.RateLimited(int(result.RetryAfter / time.Second))
	}

	code, err := icrypto.NewOTPCode(CodeDigits)
	if err != nil {
		return fmt.Errorf("emailotp: generating code: %w", err)
	}

	digest := hashCode(s.HMACKey, code)
	ch := model.Challenge{
		ID:     challengeID,
		Type:   model.ChallengeEmailCode,
		Email:  email,
		Secret: digest,
		Expiry: s.now().Add(CodeTTL),
	}
	if err := s.Challenges.StoreChallenge(ctx, ch); err != nil {
		return fmt.Errorf("emailotp: storing challenge: %w", err)
	}

	if err := s.Mail.SendCode(ctx, email, code); err != nil {
		return fmt.Errorf("emailotp: sending mail: %w", err)
	}
	return nil
}

// Verifier checks a user-supplied code against the stored digest.
type Verifier struct {
	Challenges *actor.ChallengeStore
	HMACKey    []byte

	Now   func() time.Time
	Sleep func(time.Duration)
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Verifier) sleep(d time.Duration) {
	if v.Sleep != nil {
		v.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Verify consumes the challenge and compares digests in constant time,
// always taking at least VerifyFloor (plus up to 100ms jitter) regardless
// of outcome, and returning the single generic ChallengeInvalid error on
// any failure so a remote caller cannot distinguish "wrong code" from
// "expired" or "unknown challenge id".
func (v *Verifier) Verify(ctx context.Context, challengeID, code string) (email string, err *apperror.AuthError) {
	start := v.now()
	defer func() {
		elapsed := v.now().Sub(start)
		floor := VerifyFloor + time.Duration(rand.Intn(100))*time.Millisecond
		if elapsed < floor {
			v.sleep(floor - elapsed)
		}
	}()

	ch, cerr := v.Challenges.ConsumeChallenge(ctx, challengeID, model.ChallengeEmailCode)
	if cerr != nil {
		return "", apperror.ChallengeInvalid()
	}

	want := hashCode(v.HMACKey, code)
	if !icrypto.ConstantTimeEqual(want, ch.Secret) {
		return "", apperror.ChallengeInvalid()
	}
	return ch.Email, nil
}

func hashCode(key []byte, code string) string {
	mac := icrypto.HMACSHA256(key, []byte(code))
	return hex.EncodeToString(mac)
}
