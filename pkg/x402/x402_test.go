package x402

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeader(t *testing.T) {
	t.Run("numeric amount keeps its text", func(t *testing.T) {
		p, err := ParseHeader(`{"transaction":"5abc","amount":0.001,"token":"native-SOL"}`)
		require.NoError(t, err)
		assert.Equal(t, "5abc", p.Transaction)
		assert.Equal(t, "0.001", p.Amount.String())
		assert.Equal(t, "native-SOL", p.Token)
	})

	t.Run("string amount", func(t *testing.T) {
		p, err := ParseHeader(`{"transaction":"5abc","amount":"0.0010","token":"native-SOL"}`)
		require.NoError(t, err)
		assert.Equal(t, "0.0010", p.Amount.String())
	})

	t.Run("base64", func(t *testing.T) {
		raw := `{"transaction":"sig","amount":"1","token":"USDC"}`
		p, err := ParseHeader(base64.StdEncoding.EncodeToString([]byte(raw)))
		require.NoError(t, err)
		assert.Equal(t, "sig", p.Transaction)
	})

	bad := map[string]string{
		"empty":           "",
		"not json":        "%%%",
		"missing tx":      `{"amount":1,"token":"native-SOL"}`,
		"missing token":   `{"transaction":"x","amount":1}`,
		"missing amount":  `{"transaction":"x","token":"native-SOL"}`,
		"bool amount":     `{"transaction":"x","amount":true,"token":"native-SOL"}`,
		"truncated":       `{"transaction":"x"`,
		"null amount":     `{"transaction":"x","amount":null,"token":"native-SOL"}`,
		"amount is array": `{"transaction":"x","amount":[1],"token":"native-SOL"}`,
	}
	for name, value := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ParseHeader(value)
			assert.ErrorIs(t, err, ErrMalformedHeader)
		})
	}
}

func TestEncodeHeader(t *testing.T) {
	h, err := EncodeHeader(&Proof{Transaction: "sig", Amount: "0.001", Token: "native-SOL"})
	require.NoError(t, err)

	p, err := ParseHeader(h)
	require.NoError(t, err)
	assert.Equal(t, Amount("0.001"), p.Amount)
}

func TestChallengeJSON(t *testing.T) {
	body, err := json.Marshal(Challenge{
		Payment: &Requirement{Amount: "0.001", Token: "native-SOL", Recipient: "R1"},
		Message: "Payment required",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"payment":{"amount":"0.001","token":"native-SOL","recipient":"R1"},"message":"Payment required"}`, string(body))
}
