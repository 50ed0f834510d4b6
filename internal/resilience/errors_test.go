package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("owm: status 503"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	wrapped := fmt.Errorf("fetch forecast: %w", NewTransientError(errors.New("rate limited"), 429))
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransientError to be transient")
	}
	if !IsRateLimited(wrapped) {
		t.Error("expected wrapped 429 to be rate limited")
	}
	if got := StatusCode(wrapped); got != 429 {
		t.Errorf("expected status 429, got %d", got)
	}
}

func TestIsTransient_NilAndRegular(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
	if IsTransient(errors.New("owm: decode response: invalid character")) {
		t.Error("decode error should not be transient")
	}
	if StatusCode(errors.New("plain")) != 0 {
		t.Error("plain error should carry no status")
	}
}

func TestIsTransient_Network(t *testing.T) {
	cases := []error{
		fmt.Errorf("write tcp: %w", syscall.ECONNRESET),
		fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED),
		&net.DNSError{IsTimeout: true, Err: "timeout"},
		errors.New("read: connection reset by peer"),
		errors.New("net/http: TLS handshake timeout"),
	}
	for _, err := range cases {
		if !IsTransient(err) {
			t.Errorf("expected %v to be transient", err)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be permanent", code)
		}
	}
}
