package actions

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/authz"
	"github.com/signadot/livetree/system/treed/storage"
)

const passwordHashKey = "passwordHash"

// Authenticator turns credentials into actors.  Users are the children
// of a users path, each a record with a username and a bcrypt
// passwordHash.  Successful logins get an HS256 token which can later
// restore the same actor.
type Authenticator struct {
	store  *storage.Store
	users  ir.Path
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator returns an authenticator.  An empty secret is replaced
// by a random one, so tokens do not survive a restart.
func NewAuthenticator(store *storage.Store, users ir.Path, secret []byte, ttl time.Duration) (*Authenticator, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{store: store, users: users, secret: secret, ttl: ttl, now: time.Now}, nil
}

// Password checks username and password against the user records.
func (a *Authenticator) Password(username, password string) (*authz.Actor, string, error) {
	if username == "" {
		return nil, "", fmt.Errorf("%w: missing username", authz.ErrAuthentication)
	}
	users := a.store.Get(a.users)
	for _, key := range users.Keys() {
		rec := users.Get(key)
		if rec.Get("username").String != username {
			continue
		}
		hash := rec.Get(passwordHashKey)
		if hash == nil || hash.Type != ir.StringType {
			return nil, "", fmt.Errorf("%w: user %s has no password", authz.ErrAuthentication, username)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash.String), []byte(password)); err != nil {
			return nil, "", fmt.Errorf("%w: user %s: wrong password", authz.ErrAuthentication, username)
		}
		claims := claimsOf(key, rec)
		tok, err := a.Issue(claims)
		if err != nil {
			return nil, "", err
		}
		return authz.NewActor(claims), tok, nil
	}
	return nil, "", fmt.Errorf("%w: unknown user %s", authz.ErrAuthentication, username)
}

func claimsOf(key string, rec *ir.Node) map[string]any {
	claims, _ := rec.Delete(passwordHashKey).ToAny().(map[string]any)
	if claims == nil {
		claims = map[string]any{}
	}
	claims["uid"] = key
	return claims
}

// Issue signs a token carrying claims.
func (a *Authenticator) Issue(claims map[string]any) (string, error) {
	now := a.now()
	mc := jwt.MapClaims{}
	for k, v := range claims {
		mc[k] = v
	}
	mc["iat"] = now.Unix()
	mc["exp"] = now.Add(a.ttl).Unix()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tok, nil
}

// Token verifies a token issued by Issue and returns its actor.
func (a *Authenticator) Token(token string) (*authz.Actor, error) {
	mc := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, mc, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", authz.ErrAuthentication, err)
	}
	claims := make(map[string]any, len(mc))
	for k, v := range mc {
		switch k {
		case "iat", "exp", "nbf":
			continue
		}
		claims[k] = v
	}
	if _, ok := claims["uid"].(string); !ok {
		return nil, fmt.Errorf("%w: token has no uid", authz.ErrAuthentication)
	}
	return authz.NewActor(claims), nil
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return "", err
	}
	return string(h), nil
}
