package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "op and message",
			err:  E(Op("land.fetch"), KindTransport, "connection reset"),
			want: "land.fetch: connection reset",
		},
		{
			name: "code included",
			err:  E(Op("parsers.gpci"), KindParse, CodeLayoutMismatch, "row width 42"),
			want: "parsers.gpci: layout_mismatch: row width 42",
		},
		{
			name: "wrapped error",
			err:  E(Op("runstore.create"), KindInternal, fmt.Errorf("disk full")),
			want: "runstore.create: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindPropagation(t *testing.T) {
	inner := E(KindTransport, "timeout")
	outer := Wrap(Op("land.fetch"), inner)

	if got := GetKind(outer); got != KindTransport {
		t.Errorf("GetKind() = %v, want transport", got)
	}
	if !Retryable(outer) {
		t.Error("transport error should be retryable")
	}
	if !Fatal(outer) {
		t.Error("transport error should still be fatal when not retried")
	}
}

func TestCodePropagation(t *testing.T) {
	inner := E(KindResolver, CodeNoZCTA, "no crosswalk row")
	outer := WrapMsg(Op("resolver.find"), "input 94107", inner)

	if got := GetCode(outer); got != CodeNoZCTA {
		t.Errorf("GetCode() = %q, want NO_ZCTA", got)
	}
	if GetKind(outer) != KindResolver {
		t.Errorf("GetKind() = %v, want resolver", GetKind(outer))
	}
}

func TestUnwrapChain(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(Op("outer"), E(Op("inner"), KindParse, base))

	if !stderrors.Is(err, base) {
		t.Error("errors.Is should find the base error through the chain")
	}
}

func TestNonFatalKinds(t *testing.T) {
	if Fatal(E(KindValidation, "future date")) {
		t.Error("validation findings must not be fatal")
	}
	if Fatal(E(KindReferential, "zip9 without zip5")) {
		t.Error("referential findings must not be fatal")
	}
	if !Fatal(E(KindInternal, "join invariant")) {
		t.Error("internal errors must be fatal")
	}
}

func TestWithEvidenceTruncates(t *testing.T) {
	samples := make([]string, 25)
	for i := range samples {
		samples[i] = fmt.Sprintf("row-%d", i)
	}
	err := E(KindParse, CodeDuplicateKey, "dupes").WithEvidence("cms_gpci_v1.2", samples)

	if len(err.Evidence) != 10 {
		t.Errorf("evidence length = %d, want 10", len(err.Evidence))
	}
	if err.SchemaID != "cms_gpci_v1.2" {
		t.Errorf("schema id = %q", err.SchemaID)
	}
}
