package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	cause := fmt.Errorf("dial tcp: refused")
	err := fmt.Errorf("outer: %w", Wrap(CodeReasoningFailure, cause, "调用推理服务失败"))

	if got := CodeOf(err); got != CodeReasoningFailure {
		t.Fatalf("expected %s, got %s", CodeReasoningFailure, got)
	}
	if !stdErrors.Is(err, New(CodeReasoningFailure, "")) {
		t.Fatalf("errors.Is should match by code")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("cause should stay reachable")
	}
	if e, ok := From(err); !ok || !e.Retryable() {
		t.Fatalf("reasoning failures are retryable by default")
	}
}

func TestOptionsOverrideRegistry(t *testing.T) {
	err := New(CodeStorageFailure, "", WithRetryable(false), WithAlert(false), WithSeverity(SeverityInfo))
	if err.Retryable() || err.ShouldAlert() {
		t.Fatalf("options should override defaults: %+v", err)
	}
	if err.Severity() != SeverityInfo {
		t.Fatalf("unexpected severity %s", err.Severity())
	}
	if err.Message() != "storage failure" {
		t.Fatalf("empty message should fall back to registry, got %q", err.Message())
	}
}

func TestRegisterAndHTTPStatus(t *testing.T) {
	const code Code = "TEST_REGISTERED"
	Register(code, Attributes{Message: "registered", Severity: SeverityInfo, HTTPStatus: http.StatusTeapot})

	if got := HTTPStatusOf(New(code, "")); got != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", got)
	}
	if got := HTTPStatusOf(fmt.Errorf("plain")); got != http.StatusInternalServerError {
		t.Fatalf("plain errors map to 500, got %d", got)
	}
	if got := HTTPStatusOf(New(CodeNotFound, "")); got != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", got)
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(CodeInvalidArgument, "bad", WithMetadata("field", "message"))
	md := err.Metadata()
	md["field"] = "mutated"
	if err.Metadata()["field"] != "message" {
		t.Fatalf("metadata must be returned as a copy")
	}
}

func TestAttributesResolveAfterLateRegistration(t *testing.T) {
	const code Code = "TEST_LATE"
	early := New(code, "built before register", WithRetryable(true))

	Register(code, Attributes{Message: "late", Severity: SeverityInfo, HTTPStatus: http.StatusConflict})

	if got := HTTPStatusOf(early); got != http.StatusConflict {
		t.Fatalf("expected registry lookup at read time, got %d", got)
	}
	attrs := early.Attributes()
	if !attrs.Retryable || attrs.Alert || attrs.Severity != SeverityInfo {
		t.Fatalf("unexpected attributes %+v", attrs)
	}
}

func TestAttributesForPlainError(t *testing.T) {
	attrs := AttributesFor(fmt.Errorf("plain"), CodeTimeout)
	if attrs.HTTPStatus != http.StatusGatewayTimeout || !attrs.Alert {
		t.Fatalf("plain errors should use the fallback code, got %+v", attrs)
	}
	wrapped := fmt.Errorf("outer: %w", New(CodeToolFailure, "exit 2", WithAlert(true)))
	if !AttributesFor(wrapped, CodeTimeout).Alert {
		t.Fatalf("per-error override should win over the fallback")
	}
}
