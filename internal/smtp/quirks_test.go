package smtp

import (
	"errors"
	"testing"
	"time"

	"github.com/hkdb/aerion/internal/syncerr"
)

func TestClassifySendErrorMatchesProviderQuirk(t *testing.T) {
	cases := []struct {
		host    string
		message string
		want    string
	}{
		{"smtp.mail.yahoo.com", "554 5.7.9 Message not accepted, spam suspected", "yahoo_spam_suspected"},
		{"smtp-mail.outlook.com", "basic authentication is disabled for this tenant", "outlook_login_via_web_browser"},
		{"smtp.gmail.com", "application-specific password required", "gmail_application_specific_password_required"},
		{"smtp.tiscali.it", "password must be at least 8 characters", "tiscali_simple_password"},
	}
	for _, c := range cases {
		err := classifySendError(c.host, errors.New(c.message))
		var se *syncerr.Error
		if !errors.As(err, &se) {
			t.Fatalf("%s: classifySendError did not return a *syncerr.Error", c.host)
		}
		if se.Debug != c.want {
			t.Fatalf("%s: Debug = %q, want %q", c.host, se.Debug, c.want)
		}
		if se.Kind != syncerr.KindAuth {
			t.Fatalf("%s: Kind = %q, want auth", c.host, se.Kind)
		}
	}
}

func TestClassifySendErrorUnknownHostFallsBackToNetwork(t *testing.T) {
	err := classifySendError("smtp.example.com", errors.New("connection reset"))
	var se *syncerr.Error
	if !errors.As(err, &se) {
		t.Fatal("classifySendError did not return a *syncerr.Error")
	}
	if se.Kind != syncerr.KindNetwork {
		t.Fatalf("Kind = %q, want network", se.Kind)
	}
}

func TestClassifySendErrorNilIsNil(t *testing.T) {
	if err := classifySendError("smtp.gmail.com", nil); err != nil {
		t.Fatalf("expected nil in, nil out, got %v", err)
	}
}

func TestShouldRetryOnceMatchesYahooTransientGreeting(t *testing.T) {
	ok, delay := shouldRetryOnce("smtp.mail.yahoo.com", errors.New("451 4.7.0 try again later"))
	if !ok {
		t.Fatal("expected the 4.7.0 marker to trigger a retry")
	}
	if delay != 2*time.Second {
		t.Fatalf("delay = %v, want 2s", delay)
	}
}

func TestShouldRetryOnceNoMatchForUnrelatedProviders(t *testing.T) {
	ok, _ := shouldRetryOnce("smtp.gmail.com", errors.New("451 4.7.0 try again later"))
	if ok {
		t.Fatal("gmail has no retryMarker configured, expected no retry")
	}
}

func TestShouldRetryOnceNilErrorIsFalse(t *testing.T) {
	ok, _ := shouldRetryOnce("smtp.mail.yahoo.com", nil)
	if ok {
		t.Fatal("expected false for a nil error")
	}
}

func TestLookupQuirkIsCaseInsensitiveAndSuffixMatched(t *testing.T) {
	if lookupQuirk("SMTP.GMAIL.COM") == nil {
		t.Fatal("expected a case-insensitive match")
	}
	if lookupQuirk("notgmail.com.attacker.example") != nil {
		t.Fatal("expected suffix matching, not substring matching")
	}
}
