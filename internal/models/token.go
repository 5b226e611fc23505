package models

// Token describes a payment token the gateway knows the decimals of.
type Token struct {
	// Address is the mint or contract address, or a native token identifier.
	Address string `json:"address"`
	// Symbol is the short symbol of the token (e.g., SOL, USDC)
	Symbol string `json:"symbol"`
	// Decimals is the number of decimals the token uses
	Decimals uint8 `json:"decimals"`
	// Network is the network the token is on
	Network Network `json:"network"`
}

var knownTokens = []Token{
	{Address: NativeSOL, Symbol: "SOL", Decimals: 9, Network: NetworkSolanaDevnet},
	{Address: NativeSOL, Symbol: "SOL", Decimals: 9, Network: NetworkSolanaMainnet},
	{Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Symbol: "USDC", Decimals: 6, Network: NetworkSolanaMainnet},
	{Address: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", Symbol: "USDT", Decimals: 6, Network: NetworkSolanaMainnet},
	{Address: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", Symbol: "USDC", Decimals: 6, Network: NetworkSolanaDevnet},
	{Address: NativeXCB, Symbol: "XCB", Decimals: 18, Network: NetworkCoreMainnet},
	{Address: NativeXCB, Symbol: "XAB", Decimals: 18, Network: NetworkCoreDevin},
}

// LookupToken returns the known token for a network, if any.
func LookupToken(network Network, address string) (Token, bool) {
	for _, t := range knownTokens {
		if t.Network == network && t.Address == address {
			return t, true
		}
	}
	return Token{}, false
}

// ResolveDecimals returns the decimals configured on the wrapper, falling
// back to the known token table. ok is false when neither source knows them,
// in which case the decimals reported by the chain are used.
func ResolveDecimals(w *WrapperConfig) (decimals uint8, ok bool) {
	if w.TokenDecimals != nil {
		return *w.TokenDecimals, true
	}
	if t, found := LookupToken(w.Network, w.Token); found {
		return t.Decimals, true
	}
	return 0, false
}
