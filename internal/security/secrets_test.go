package security

import (
	"strings"
	"testing"
)

func TestValidateSecret(t *testing.T) {
	testCases := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{
			name:    "strong random secret",
			secret:  "xK9#mP2$vL8@nQ4!wR6^tY3&uI5*oE7(aS1)dF0-gH",
			wantErr: false,
		},
		{
			name:    "too short",
			secret:  "short",
			wantErr: true,
		},
		{
			name:    "placeholder",
			secret:  strings.Repeat("x", 20) + "replace-with-secret",
			wantErr: true,
		},
		{
			name:    "low entropy",
			secret:  strings.Repeat("ab", 24),
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSecret(tc.secret)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateSecret() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestGenerateSecret(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() failed: %v", err)
	}
	if len(secret) < MinSecretLength {
		t.Errorf("Generated secret too short: %d", len(secret))
	}
	if err := ValidateSecret(secret); err != nil {
		t.Errorf("Generated secret failed validation: %v", err)
	}

	other, _ := GenerateSecret()
	if secret == other {
		t.Error("Two generated secrets should differ")
	}
}

func TestCalculateEntropy(t *testing.T) {
	if e := calculateEntropy(""); e != 0 {
		t.Errorf("Entropy of empty string = %f, expected 0", e)
	}
	if e := calculateEntropy("aaaa"); e != 0 {
		t.Errorf("Entropy of repeated character = %f, expected 0", e)
	}
	if e := calculateEntropy("abcdefgh"); e < 2.9 {
		t.Errorf("Entropy of distinct characters = %f, expected ~3", e)
	}
}
