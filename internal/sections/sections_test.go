package sections

import "testing"

func TestHeaders(t *testing.T) {
	out := "# Title\n\ntext\n\n## Problem Statement\n\nmore\n\n### Nested  \n"
	got := Headers(out)
	want := []string{"Title", "Problem Statement", "Nested"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("header %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestValidateCaseInsensitive(t *testing.T) {
	out := "## problem statement\n\nx\n\n## Target Users\n\ny\n"
	missing := Validate(out, []string{"Problem Statement", "Target Users"})
	if len(missing) != 0 {
		t.Fatalf("expected no missing sections, got %v", missing)
	}
}

func TestValidateReportsMissing(t *testing.T) {
	out := "## Problem Statement\n\nx\n"
	missing := Validate(out, []string{"Problem Statement", "Target Users", "Success Criteria"})
	if len(missing) != 2 {
		t.Fatalf("expected 2 missing, got %v", missing)
	}
	if missing[0] != "Target Users" || missing[1] != "Success Criteria" {
		t.Fatalf("unexpected order %v", missing)
	}
}

func TestValidateIgnoresInlineHashes(t *testing.T) {
	out := "text with ## not a header\n## Real Header\n"
	headers := Headers(out)
	if len(headers) != 1 || headers[0] != "Real Header" {
		t.Fatalf("got %v", headers)
	}
}
