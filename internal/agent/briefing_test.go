package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lukasbauer/callbridge/internal/callstate"
)

const sampleProfiles = `
categories:
  Restaurant:
    instructions: |
      Ask for the total price including delivery.
    voice: verse
  medical:
    instructions: Ask for the earliest available appointment.
    speak_first: true
  default:
    voice: alloy
`

func TestParseProfiles(t *testing.T) {
	p, err := ParseProfiles([]byte(sampleProfiles))
	if err != nil {
		t.Fatalf("ParseProfiles: %v", err)
	}
	if len(p.Categories) != 3 {
		t.Fatalf("categories = %d, want 3", len(p.Categories))
	}
	r, ok := p.Categories["restaurant"]
	if !ok {
		t.Fatal("category names should be lower-cased")
	}
	if r.Instructions != "Ask for the total price including delivery." {
		t.Errorf("instructions = %q", r.Instructions)
	}
}

func TestParseProfilesValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad yaml", "categories: [", "profiles: parse"},
		{"empty profile", "categories:\n  plumbing: {}\n", "categories.plumbing sets nothing"},
		{"empty file", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProfiles([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(sampleProfiles), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfiles(path); err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if _, err := LoadProfiles(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestBrief(t *testing.T) {
	p, err := ParseProfiles([]byte(sampleProfiles))
	if err != nil {
		t.Fatal(err)
	}

	cc := callstate.CallContext{
		BusinessName:  "Tony's Pizza",
		UserRequest:   "order a large pepperoni",
		Category:      "restaurant",
		CallerContext: "Jane Doe, 12 Elm St",
	}
	b := p.Brief(cc)
	for _, want := range []string{
		"You are calling: Tony's Pizza",
		"The customer wants: order a large pepperoni",
		"About the customer: Jane Doe, 12 Elm St",
		"Ask for the total price including delivery.",
		"end_call",
	} {
		if !strings.Contains(b.Instructions, want) {
			t.Errorf("instructions missing %q", want)
		}
	}
	if b.Voice != "verse" || b.SpeakFirst {
		t.Errorf("briefing = %+v", b)
	}

	b = p.Brief(callstate.CallContext{UserRequest: "book a cleaning", Category: "dentist"})
	if b.Voice != "alloy" {
		t.Errorf("fallback voice = %q, want alloy", b.Voice)
	}

	var none *Profiles
	b = none.Brief(callstate.CallContext{UserRequest: "hello"})
	if b.Voice != "" || !strings.Contains(b.Instructions, "The customer wants: hello") {
		t.Errorf("nil profiles briefing = %+v", b)
	}
}
