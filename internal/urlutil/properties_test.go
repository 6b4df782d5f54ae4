package urlutil

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCombineProperties(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("no double slash outside scheme", prop.ForAll(
		func(host, p1, p2 string) bool {
			u := Combine("https://"+host, p1, p2)
			return !strings.Contains(strings.TrimPrefix(u, "https://"), "//")
		},
		gen.Identifier(), gen.Identifier(), gen.Identifier(),
	))

	properties.Property("valid base stays valid", prop.ForAll(
		func(host, p string) bool {
			base := "https://" + host
			return !IsValidURL(base) || IsValidURL(Combine(base, p))
		},
		gen.Identifier(), gen.Identifier(),
	))

	properties.Property("slash placement does not matter", prop.ForAll(
		func(host, p string) bool {
			a := Combine("https://"+host, p)
			b := Combine("https://"+host+"/", p)
			c := Combine("https://"+host, "/"+p)
			return a == b && b == c
		},
		gen.Identifier(), gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestToWebSocketURLProperties(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("idempotent", prop.ForAll(
		func(host, path string) bool {
			once, err := ToWebSocketURL("https://" + host + "/" + path)
			if err != nil {
				return false
			}
			twice, err := ToWebSocketURL(once)
			if err != nil {
				return false
			}
			return once == twice
		},
		gen.Identifier(), gen.Identifier(),
	))

	properties.Property("https maps to wss", prop.ForAll(
		func(host string) bool {
			got, err := ToWebSocketURL("https://" + host)
			return err == nil && got == "wss://"+host
		},
		gen.Identifier(),
	))

	properties.Property("http maps to ws", prop.ForAll(
		func(host string) bool {
			got, err := ToWebSocketURL("http://" + host)
			return err == nil && got == "ws://"+host
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
