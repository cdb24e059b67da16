package resync

import (
	"testing"

	"github.com/go-playground/assert/v2"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestParseApiKeyUnverified(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": "31415926535",
	})
	apiKey, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, err, nil)

	claims, err := ParseApiKeyUnverified(apiKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.UserId, "31415926535")

	_, err = ParseApiKeyUnverified("")
	assert.NotEqual(t, err, nil)

	_, err = ParseApiKeyUnverified("not-a-jwt")
	assert.NotEqual(t, err, nil)
}

func TestApiKeyUserIdAdopted(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": "27182818284",
	})
	apiKey, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, err, nil)

	assert.Equal(t, settleUserId("", apiKey), "27182818284")
	// an explicit user id wins over the claim
	assert.Equal(t, settleUserId("explicit", apiKey), "explicit")
}
