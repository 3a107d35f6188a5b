package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	cookieName = "classbook_session"
	sessionTTL = 14 * 24 * time.Hour
)

// Store checks the single operator account and keeps its session in a signed,
// encrypted cookie.
type Store struct {
	sc       *securecookie.SecureCookie
	username string
	hash     string
}

type ctxKey string

const usernameKey ctxKey = "username"

func NewStore(username, passwordBcrypt string, hashKey, blockKey []byte) *Store {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(sessionTTL.Seconds()))
	return &Store{sc: sc, username: username, hash: passwordBcrypt}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw))
	return err == nil
}

// Authenticate returns the operator name when username and password match.
func (s *Store) Authenticate(username, password string) (string, error) {
	// always run bcrypt so a wrong username costs the same as a wrong password
	pwOK := CheckPassword(s.hash, password)
	if !secureEq(username, s.username) || !pwOK {
		return "", ErrInvalidCredentials
	}
	return s.username, nil
}

type Session struct {
	Username string
	IssuedAt time.Time
}

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request, username string) error {
	val := map[string]any{"u": username, "iat": time.Now().Unix(), "v": 1}
	encoded, err := s.sc.Encode(cookieName, val)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Store) GetSession(r *http.Request) (Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return Session{}, false
	}
	val := map[string]any{}
	if err := s.sc.Decode(cookieName, c.Value, &val); err != nil {
		return Session{}, false
	}
	u, _ := val["u"].(string)
	// sessions of a renamed operator are void
	if u == "" || !secureEq(u, s.username) {
		return Session{}, false
	}
	sess := Session{Username: u}
	// the gob codec keeps int64; be lenient with float64 from other codecs
	switch iat := val["iat"].(type) {
	case int64:
		sess.IssuedAt = time.Unix(iat, 0)
	case float64:
		sess.IssuedAt = time.Unix(int64(iat), 0)
	}
	return sess, true
}

func (s *Store) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.GetSession(r)
		if !ok {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		ctx := context.WithValue(r.Context(), usernameKey, sess.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func UsernameFromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(usernameKey).(string)
	return u, ok
}

func secureEq(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
