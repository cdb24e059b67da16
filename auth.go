package resync

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// The api key is an opaque credential to the runtime. When it happens to
// be jwt-shaped the user_id claim identifies the session, so the
// connection adopts it instead of generating a random user id. The
// master verifies, the client only reads.

type ApiKeyClaims struct {
	UserId string
}

func ParseApiKeyUnverified(apiKey string) (*ApiKeyClaims, error) {
	if apiKey == "" {
		return nil, errors.New("no api key")
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(apiKey, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	apiKeyClaims := &ApiKeyClaims{}
	if userId, ok := claims["user_id"]; ok {
		if userIdStr, ok := userId.(string); ok {
			apiKeyClaims.UserId = userIdStr
		}
	}
	return apiKeyClaims, nil
}
