package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeGetenv(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func TestReplaceEnvKeysReplacesDollarPrefixedStringField(t *testing.T) {
	type cfg struct {
		Secret string
	}
	c := cfg{Secret: "$CLIENT_SECRET"}
	err := replaceEnvKeys(&c, fakeGetenv(map[string]string{"CLIENT_SECRET": "s3cr3t"}))
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", c.Secret)
}

func TestReplaceEnvKeysLeavesPlainStringsUntouched(t *testing.T) {
	type cfg struct {
		Issuer string
	}
	c := cfg{Issuer: "https://issuer.example.com"}
	err := replaceEnvKeys(&c, fakeGetenv(map[string]string{}))
	require.NoError(t, err)
	require.Equal(t, "https://issuer.example.com", c.Issuer)
}

func TestReplaceEnvKeysRecursesIntoNestedStructs(t *testing.T) {
	type inner struct {
		APIKey string
	}
	type outer struct {
		Inner inner
	}
	c := outer{Inner: inner{APIKey: "$API_KEY"}}
	err := replaceEnvKeys(&c, fakeGetenv(map[string]string{"API_KEY": "abc123"}))
	require.NoError(t, err)
	require.Equal(t, "abc123", c.Inner.APIKey)
}

func TestReplaceEnvKeysRecursesIntoSliceElements(t *testing.T) {
	type item struct {
		Value string
	}
	type cfg struct {
		Items []item
	}
	c := cfg{Items: []item{{Value: "$ALPHA"}, {Value: "$BETA"}}}
	err := replaceEnvKeys(&c, fakeGetenv(map[string]string{"ALPHA": "alpha", "BETA": "beta"}))
	require.NoError(t, err)
	require.Equal(t, "alpha", c.Items[0].Value)
	require.Equal(t, "beta", c.Items[1].Value)
}

func TestReplaceEnvKeysSkipsShortDollarValues(t *testing.T) {
	type cfg struct {
		Value string
	}
	c := cfg{Value: "$X"}
	err := replaceEnvKeys(&c, fakeGetenv(map[string]string{"X": "should-not-appear"}))
	require.NoError(t, err)
	require.Equal(t, "$X", c.Value, "a two-character value is below the minimum length the replacer acts on")
}
