package catalog

import "testing"

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "Paracetamol", "paracetamol"},
		{"diacritics folded", "ácido fólico", "acido folico"},
		{"whitespace collapsed", "  ácido   fólico ", "acido folico"},
		{"already normal", "amoxicilina", "amoxicilina"},
		{"empty", "   ", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeName(tc.in); got != tc.want {
				t.Fatalf("NormalizeName(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestDoseKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		dose  string
		units string
		want  string
	}{
		{"attached unit", "5mg", "", "5mg"},
		{"spaced unit", "5 mg", "", "5mg"},
		{"separate units field", "5", "mg", "5mg"},
		{"units field ignored when dose has one", "5 mg", "ml", "5mg"},
		{"decimal comma", "2,5 ml", "", "2.5ml"},
		{"trailing zeros trimmed", "5.0 mg", "", "5mg"},
		{"case folded", "500MG", "", "500mg"},
		{"empty", "", "", ""},
		{"units only", "", "mg", "mg"},
		{"unparseable falls back to text", "meia caixa", "", "meia caixa"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := DoseKey(tc.dose, tc.units); got != tc.want {
				t.Fatalf("DoseKey(%q, %q) = %q, want %q", tc.dose, tc.units, got, tc.want)
			}
		})
	}
}
