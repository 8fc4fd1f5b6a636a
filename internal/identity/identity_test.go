package identity

import (
	"encoding/json"
	"testing"
)

func TestIdentityKey(t *testing.T) {
	if key := User("u1", TierPremium).Key(); key != "user:u1" {
		t.Fatalf("key = %s, want user:u1", key)
	}
	if key := Anonymous("s1").Key(); key != "anon:s1" {
		t.Fatalf("key = %s, want anon:s1", key)
	}
}

func TestIdentityJSONRoundTrip(t *testing.T) {
	original := User("u1", TierPremium)
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}

	var decoded Identity
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if decoded.Kind() != KindUser || decoded.ID() != "u1" || decoded.Tier() != TierPremium {
		t.Fatalf("decoded = %#v", decoded)
	}
}

func TestAnonymousJSONKeepsAnonTier(t *testing.T) {
	data, err := json.Marshal(Anonymous("s1"))
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	var decoded Identity
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if decoded.Kind() != KindAnonymous || decoded.Tier() != TierAnon {
		t.Fatalf("decoded = %#v", decoded)
	}
}

func TestParseTier(t *testing.T) {
	cases := map[string]Tier{
		"PREMIUM":      TierPremium,
		"FREE_ACCOUNT": TierFree,
		"ANON":         TierAnon,
		"unknown":      TierAnon,
	}
	for input, want := range cases {
		if got := ParseTier(input); got != want {
			t.Fatalf("ParseTier(%q) = %s, want %s", input, got, want)
		}
	}
}
