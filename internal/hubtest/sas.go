package hubtest

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errInvalidSAS = errors.New("invalid sas token")

// sasClaims is the payload of an event channel access token.
type sasClaims struct {
	jwt.RegisteredClaims
	Repository string `json:"repo"`
}

func generateSAS(repo string, secret []byte, now time.Time, lifetime time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sasClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
		Repository: repo,
	})
	return token.SignedString(secret)
}

// checkSAS validates signature, expiry and repository of token.
func checkSAS(token, repo string, secret []byte, now time.Time) error {
	claims := &sasClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		return err
	}
	if !parsed.Valid || claims.Repository != repo {
		return errInvalidSAS
	}
	return nil
}
