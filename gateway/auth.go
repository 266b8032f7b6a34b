package gateway

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/4406arthur/verity/domain"
)

//Subject is the authenticated identity behind a connection.
type Subject struct {
	ID    string
	Roles []string
}

//Permitted reports whether the subject may view the given job owner's jobs:
//the owner themselves, or a reviewer/admin role.
func (s Subject) Permitted(owner string) bool {
	if s.ID == owner {
		return true
	}
	for _, r := range s.Roles {
		if r == "reviewer" || r == "admin" {
			return true
		}
	}
	return false
}

//Authenticator validates HMAC-signed bearer tokens.
type Authenticator struct {
	parser *jwt.Parser
	secret []byte
}

//NewAuthenticator ...
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
		),
		secret: []byte(secret),
	}
}

//Authenticate checks the token's signature and expiry and extracts the
//subject. Every failure mode maps to ErrUnauthenticated.
func (a *Authenticator) Authenticate(token string) (Subject, error) {
	parsed, err := a.parser.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return Subject{}, fmt.Errorf("%w: %s", domain.ErrUnauthenticated, err.Error())
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Subject{}, fmt.Errorf("%w: unexpected claims format", domain.ErrUnauthenticated)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Subject{}, fmt.Errorf("%w: token has no subject", domain.ErrUnauthenticated)
	}

	subject := Subject{ID: sub}
	if raw, ok := claims["roles"].([]interface{}); ok {
		for _, r := range raw {
			if role, ok := r.(string); ok {
				subject.Roles = append(subject.Roles, role)
			}
		}
	}
	return subject, nil
}
