package util

import "testing"

func TestSanitizeFileName(t *testing.T) {
	cases := map[string]string{
		"invoice.pdf":            "invoice.pdf",
		"../../etc/passwd":       "passwd",
		`C:\scans\März 2024.pdf`: "M_rz_2024.pdf",
		"  my scan (1).png ":     "my_scan_1_.png",
		"..":                     "file",
		"":                       "file",
		"a..b.pdf":               "a.b.pdf",
	}
	for in, want := range cases {
		if got := SanitizeFileName(in); got != want {
			t.Errorf("SanitizeFileName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeFileNameCapsLength(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	got := SanitizeFileName(string(long) + ".pdf")
	if len(got) != maxFileNameLen {
		t.Fatalf("expected length %d, got %d", maxFileNameLen, len(got))
	}
	if got[len(got)-4:] != ".pdf" {
		t.Fatalf("expected extension kept, got %q", got)
	}
}
