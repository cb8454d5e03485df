package auth

import (
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	"gama-ovr/config"
	"gama-ovr/core/utils"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidAssertion = errors.New("invalid identity assertion")

// IdentityClaims is the payload the identity provider signs.
type IdentityClaims struct {
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	Groups []string `json:"groups"`
	jwt.RegisteredClaims
}

type Identity struct {
	Email  string
	Name   string
	Groups []string
	Roles  []string
}

type IdentityVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	groupMap map[string][]string
	known    map[string]struct{}
}

// NewIdentityVerifier accepts HS256 assertions signed with cfg.Secret. Groups
// that map to roles outside knownRoles are dropped.
func NewIdentityVerifier(cfg config.IdentityConfig, knownRoles []string) *IdentityVerifier {
	known := make(map[string]struct{}, len(knownRoles))
	for _, r := range knownRoles {
		known[r] = struct{}{}
	}
	groupMap := make(map[string][]string, len(cfg.GroupMap))
	for g, roles := range cfg.GroupMap {
		groupMap[strings.ToLower(strings.TrimSpace(g))] = roles
	}
	return &IdentityVerifier{
		secret:   []byte(cfg.Secret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		leeway:   cfg.Leeway,
		groupMap: groupMap,
		known:    known,
	}
}

func (v *IdentityVerifier) Verify(raw string) (*Identity, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: verifier has no secret", ErrInvalidAssertion)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	claims := &IdentityClaims{}
	token, err := jwt.NewParser(opts...).ParseWithClaims(strings.TrimSpace(raw), claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	if !token.Valid {
		return nil, ErrInvalidAssertion
	}
	email := utils.NormalizeEmail(claims.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: bad email claim", ErrInvalidAssertion)
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = email
	}
	groups := utils.UniqueStrings(claims.Groups)
	return &Identity{Email: email, Name: name, Groups: groups, Roles: v.MapGroups(groups)}, nil
}

// MapGroups translates provider groups to role names, sorted and deduplicated.
func (v *IdentityVerifier) MapGroups(groups []string) []string {
	var roles []string
	for _, g := range groups {
		for _, r := range v.groupMap[strings.ToLower(strings.TrimSpace(g))] {
			if _, ok := v.known[r]; ok {
				roles = append(roles, r)
			}
		}
	}
	roles = utils.UniqueStrings(roles)
	sort.Strings(roles)
	return roles
}
