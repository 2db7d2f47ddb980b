package broker

import "testing"

func TestNormalizeEndpoint(t *testing.T) {
	cases := map[string]string{
		"localhost":               "localhost:4222",
		"nats://localhost:4223":   "localhost:4223",
		"tls://user:pw@host:4224": "host:4224",
		" 10.0.0.1 ":              "10.0.0.1:4222",
		"nats://127.0.0.1:4222":   "127.0.0.1:4222",
	}
	for in, want := range cases {
		if got := NormalizeEndpoint(in); got != want {
			t.Fatalf("NormalizeEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRemoveEndpoint(t *testing.T) {
	eps := []string{"nats://a:4222", "b", "nats://c:4223"}
	got := removeEndpoint(eps, "nats://b:4222")
	if len(got) != 2 || got[0] != "nats://a:4222" || got[1] != "nats://c:4223" {
		t.Fatalf("removeEndpoint = %v", got)
	}
	if got := removeEndpoint(eps, ""); len(got) != 3 {
		t.Fatalf("removeEndpoint with empty addr = %v", got)
	}
}
