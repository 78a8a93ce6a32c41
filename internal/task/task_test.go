package task

import (
	"errors"
	"strings"
	"testing"

	"github.com/jkaninda/agentauth/internal/capability"
)

func all() capability.Set {
	var s capability.Set
	for _, k := range capability.Kinds {
		s = s.With(k)
	}
	return s
}

func TestBuild_PlaceholdersOnly(t *testing.T) {
	task, err := NewBuilder().Build(Input{
		Website:   "https://a.test/login",
		Username:  "bob@a.test",
		Password:  "correct horse battery staple",
		Available: all(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for name, value := range task.Secrets {
		if strings.Contains(task.Instructions, value) {
			t.Errorf("instructions contain the value of %s", name)
		}
	}
	want := map[string]string{
		PlaceholderWebsite:  "https://a.test/login",
		PlaceholderUsername: "bob@a.test",
		PlaceholderPassword: "correct horse battery staple",
	}
	for k, v := range want {
		if task.Secrets[k] != v {
			t.Errorf("Secrets[%s] = %q, want %q", k, task.Secrets[k], v)
		}
	}
	if !strings.HasPrefix(task.Instructions, `Navigate to "x_website" and log in with username "x_username".`) {
		t.Errorf("unexpected opening: %q", task.Instructions)
	}
}

func TestBuild_GuidanceFollowsAvailability(t *testing.T) {
	tests := []struct {
		name      string
		available capability.Set
		password  string
		want      []string
		absent    []string
	}{
		{
			name:      "password only",
			available: capability.Set(0).With(capability.Password),
			password:  "p1",
			want:      []string{`use the password "x_password"`},
			absent:    []string{"TOTP", "email code", "email link"},
		},
		{
			name:      "totp and email",
			available: capability.Set(0).With(capability.TOTP).With(capability.EmailCode).With(capability.EmailLink),
			want:      []string{"lookup_totp_code", "lookup_email_code", "lookup_email_link"},
			absent:    []string{"x_password"},
		},
		{
			name:   "nothing",
			absent: []string{"x_password", "TOTP", "email"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := NewBuilder().Build(Input{Website: "https://a.test", Username: "bob", Password: tt.password, Available: tt.available})
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			for _, s := range tt.want {
				if !strings.Contains(task.Instructions, s) {
					t.Errorf("missing %q in %q", s, task.Instructions)
				}
			}
			for _, s := range tt.absent {
				if strings.Contains(task.Instructions, s) {
					t.Errorf("unexpected %q in %q", s, task.Instructions)
				}
			}
			if _, ok := task.Secrets[PlaceholderPassword]; ok != (tt.password != "") {
				t.Errorf("password placeholder presence = %v", ok)
			}
		})
	}
}

func TestBuild_AlwaysDeniesSocialSignInAndReset(t *testing.T) {
	task, err := (&Builder{}).Build(Input{Website: "https://a.test", Username: "bob"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, p := range DefaultDeniedProviders {
		if !strings.Contains(task.Instructions, "- Do not attempt to Sign in with "+p+".") {
			t.Errorf("missing denylist entry for %s", p)
		}
	}
	if !strings.HasSuffix(task.Instructions, "- Do not attempt to reset a password.") {
		t.Errorf("missing reset prohibition: %q", task.Instructions)
	}
}

func TestBuild_CustomDenylist(t *testing.T) {
	task, err := NewBuilder("Okta").Build(Input{Website: "https://a.test", Username: "bob"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(task.Instructions, "Sign in with Okta.") || strings.Contains(task.Instructions, "Google") {
		t.Errorf("got %q", task.Instructions)
	}
}

func TestBuild_AcceptsValuesFoundInTemplateWording(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
	}{
		{name: "username inside username", username: "user", password: "hunter22"},
		{name: "password inside password", username: "admin", password: "pass"},
		{name: "single letter", username: "a", password: "p1"},
		{name: "default provider name", username: "GitHub", password: "reset a password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := NewBuilder().Build(Input{
				Website:   "https://a.test",
				Username:  tt.username,
				Password:  tt.password,
				Available: all(),
			})
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if task.Secrets[PlaceholderUsername] != tt.username || task.Secrets[PlaceholderPassword] != tt.password {
				t.Errorf("secrets = %v", task.Secrets)
			}
		})
	}
}

func TestBuild_RefusesDenylistEntryEqualToSecret(t *testing.T) {
	_, err := NewBuilder("Okta", "hunter22").Build(Input{
		Website:   "https://a.test",
		Username:  "bob",
		Password:  "hunter22",
		Available: capability.Set(0).With(capability.Password),
	})
	if !errors.Is(err, ErrSecretInInstructions) {
		t.Errorf("expected ErrSecretInInstructions, got %v", err)
	}
}
