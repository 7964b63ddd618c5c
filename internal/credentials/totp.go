package credentials

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPGenerator derives RFC 6238 codes from base32 secrets
type TOTPGenerator struct {
	opts totp.ValidateOpts
}

// NewTOTPGenerator creates a generator for 6 digit, 30 second SHA1 codes
func NewTOTPGenerator() *TOTPGenerator {
	return &TOTPGenerator{
		opts: totp.ValidateOpts{
			Period:    30,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		},
	}
}

// Code returns the code valid at t
func (g *TOTPGenerator) Code(secret string, t time.Time) (string, error) {
	secret = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	if secret == "" {
		return "", fmt.Errorf("empty TOTP secret")
	}

	code, err := totp.GenerateCodeCustom(secret, t, g.opts)
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP code: %w", err)
	}
	return code, nil
}

// SecondsRemaining returns how long the code valid at t stays valid
func (g *TOTPGenerator) SecondsRemaining(t time.Time) int {
	period := int64(g.opts.Period)
	return int(period - t.Unix()%period)
}
