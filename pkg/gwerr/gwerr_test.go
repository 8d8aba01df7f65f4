package gwerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakeStatusErr struct{ status int }

func (e *fakeStatusErr) Error() string   { return fmt.Sprintf("status %d", e.status) }
func (e *fakeStatusErr) HTTPStatus() int { return e.status }

func TestClassify_StatusCodes(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{429, KindQuotaExceeded},
		{400, KindProvider4xx},
		{401, KindProvider4xx},
		{404, KindProvider4xx},
		{500, KindProvider5xx},
		{503, KindProvider5xx},
	}

	for _, tc := range cases {
		got := Classify(&fakeStatusErr{status: tc.status})
		if got.Kind != tc.want {
			t.Errorf("status %d: got kind %s, want %s", tc.status, got.Kind, tc.want)
		}
		if got.Status != tc.status {
			t.Errorf("status %d: got Status %d", tc.status, got.Status)
		}
	}
}

func TestClassify_DeadlineExceeded(t *testing.T) {
	got := Classify(context.DeadlineExceeded)
	if got.Kind != KindTimeout {
		t.Errorf("got kind %s, want %s", got.Kind, KindTimeout)
	}
}

func TestClassify_PassesThroughGatewayErrors(t *testing.T) {
	orig := CircuitOpen("gemini")
	got := Classify(fmt.Errorf("wrapped: %w", orig))
	if got != orig {
		t.Error("classify should unwrap to the original gateway error")
	}
}

func TestClassify_Unknown(t *testing.T) {
	got := Classify(errors.New("boom"))
	if got.Kind != KindInternal {
		t.Errorf("got kind %s, want %s", got.Kind, KindInternal)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindNetwork, true},
		{KindTimeout, true},
		{KindProvider5xx, true},
		{KindQuotaExceeded, false},
		{KindProvider4xx, false},
		{KindCircuitOpen, false},
		{KindValidation, false},
		{KindInternal, false},
	}
	for _, tc := range cases {
		if got := New(tc.kind, "x").Retryable(); got != tc.want {
			t.Errorf("kind %s: retryable=%v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindValidation, "bad schema"))
	if !IsKind(err, KindValidation) {
		t.Error("IsKind should see through wrapping")
	}
	if IsKind(err, KindNetwork) {
		t.Error("IsKind matched the wrong kind")
	}
}
