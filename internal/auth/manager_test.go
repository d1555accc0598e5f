package auth

import (
	"testing"

	"github.com/getsimpletool/mcpo-simple-server/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st, "test-secret", "test-hmac"), st
}

func mustCreateUser(t *testing.T, st *store.Store, username, password, group string) {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if err := st.CreateUser(username, hash, group); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
}

func TestManager_LoginAndValidate(t *testing.T) {
	mgr, st := newTestManager(t)
	mustCreateUser(t, st, "donald", "duck123", store.GroupUser)

	token, err := mgr.Login("donald", "duck123")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if token == "" {
		t.Fatal("Login() returned empty token")
	}

	id, err := mgr.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if id.Username != "donald" {
		t.Errorf("Username = %v, want donald", id.Username)
	}
	if id.IsAdmin() {
		t.Error("donald should not be admin")
	}
}

func TestManager_Login_WrongPassword(t *testing.T) {
	mgr, st := newTestManager(t)
	mustCreateUser(t, st, "donald", "duck123", store.GroupUser)

	if _, err := mgr.Login("donald", "wrong"); err != ErrInvalidCredentials {
		t.Errorf("Login() error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := mgr.Login("nobody", "duck123"); err != ErrInvalidCredentials {
		t.Errorf("Login() unknown user error = %v, want ErrInvalidCredentials", err)
	}
}

func TestManager_ValidateAccessToken_Garbage(t *testing.T) {
	mgr, _ := newTestManager(t)

	if _, err := mgr.ValidateAccessToken("not.a.jwt"); err != ErrInvalidToken {
		t.Errorf("ValidateAccessToken() error = %v, want ErrInvalidToken", err)
	}
	if _, err := mgr.ValidateAccessToken(""); err != ErrInvalidToken {
		t.Errorf("ValidateAccessToken(\"\") error = %v, want ErrInvalidToken", err)
	}
}

func TestManager_ValidateAccessToken_WrongSecret(t *testing.T) {
	mgr, st := newTestManager(t)
	mustCreateUser(t, st, "donald", "duck123", store.GroupUser)

	token, err := mgr.Login("donald", "duck123")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	other := NewManager(st, "other-secret", "")
	if _, err := other.ValidateAccessToken(token); err != ErrInvalidToken {
		t.Errorf("ValidateAccessToken() with wrong secret error = %v, want ErrInvalidToken", err)
	}
}

func TestManager_AdminIdentity(t *testing.T) {
	mgr, st := newTestManager(t)
	mustCreateUser(t, st, "admin", "root", store.GroupAdmin)

	token, err := mgr.Login("admin", "root")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	id, err := mgr.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if !id.IsAdmin() {
		t.Error("admin identity should report IsAdmin")
	}
}

func TestManager_APIKeyLifecycle(t *testing.T) {
	mgr, st := newTestManager(t)
	mustCreateUser(t, st, "donald", "duck123", store.GroupUser)

	key, id, err := mgr.CreateAPIKey("donald")
	if err != nil {
		t.Fatalf("CreateAPIKey() error = %v", err)
	}
	if !IsAPIKey(key) {
		t.Errorf("CreateAPIKey() = %v, want mcpo- prefix", key)
	}
	if id == "" {
		t.Error("CreateAPIKey() returned empty key id")
	}

	identity, err := mgr.ValidateAPIKey(key)
	if err != nil {
		t.Fatalf("ValidateAPIKey() error = %v", err)
	}
	if identity.Username != "donald" {
		t.Errorf("Username = %v, want donald", identity.Username)
	}

	if err := mgr.RevokeAPIKey(key); err != nil {
		t.Fatalf("RevokeAPIKey() error = %v", err)
	}
	if _, err := mgr.ValidateAPIKey(key); err != ErrInvalidToken {
		t.Errorf("ValidateAPIKey() after revoke error = %v, want ErrInvalidToken", err)
	}
}

func TestManager_ValidateAPIKey_BadPrefix(t *testing.T) {
	mgr, _ := newTestManager(t)

	if _, err := mgr.ValidateAPIKey("other-abc"); err != ErrInvalidToken {
		t.Errorf("ValidateAPIKey() error = %v, want ErrInvalidToken", err)
	}
}

func TestHashPassword_RoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "s3cret" {
		t.Error("HashPassword() must not return the plaintext")
	}
	if !CheckPassword(hash, "s3cret") {
		t.Error("CheckPassword() should accept the original password")
	}
	if CheckPassword(hash, "wrong") {
		t.Error("CheckPassword() should reject a wrong password")
	}
}
