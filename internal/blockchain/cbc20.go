package blockchain

import (
	"fmt"
	"math/big"

	"github.com/core-coin/go-core/v2/common"
)

const (
	// transfer(address,uint256)
	transfer = "4b40e901"
	// batchTransfer(address[],uint256[])
	batchTransfer = "e86e7c5f"
	// transferFrom(address,address,uint256)
	transferFrom = "31f2e679"
)

// wordLen is the hex length of one 32 byte ABI word
const wordLen = 64

// TokenTransfer is a CBC20 transfer decoded from call data.
type TokenTransfer struct {
	From   string
	To     string
	Amount *big.Int
}

// DecodeCBC20Transfers decodes the token transfers in CBC20 call data. The
// sender is used as From for transfer and batchTransfer. Unknown selectors
// yield no transfers.
func DecodeCBC20Transfers(data []byte, sender string) ([]*TokenTransfer, error) {
	input := common.Bytes2Hex(data)
	if len(input) < 8 {
		return nil, nil
	}

	switch input[:8] {
	case transfer:
		if len(input) < 136 {
			return nil, fmt.Errorf("short transfer call data: %d hex chars", len(input))
		}
		return []*TokenTransfer{
			{
				From:   sender,
				To:     input[28:72],
				Amount: hexWord(input[72:136]),
			},
		}, nil
	case batchTransfer:
		if len(input) < 200 {
			return nil, fmt.Errorf("short batchTransfer call data: %d hex chars", len(input))
		}
		count, ok := new(big.Int).SetString(input[136:200], 16)
		if !ok || !count.IsInt64() {
			return nil, fmt.Errorf("invalid batchTransfer length word %s", input[136:200])
		}
		n := int(count.Int64())
		const offset = 136
		// recipients array, then the amounts array with its own length word
		if n < 0 || len(input) < offset+2*wordLen+2*n*wordLen {
			return nil, fmt.Errorf("batchTransfer call data too short for %d transfers", n)
		}
		transfers := make([]*TokenTransfer, 0, n)
		for i := 0; i < n; i++ {
			to := input[offset+84+i*wordLen : offset+128+i*wordLen]
			value := input[offset+128+n*wordLen+i*wordLen : offset+192+n*wordLen+i*wordLen]
			transfers = append(transfers, &TokenTransfer{
				From:   sender,
				To:     to,
				Amount: hexWord(value),
			})
		}
		return transfers, nil
	case transferFrom:
		if len(input) < 200 {
			return nil, fmt.Errorf("short transferFrom call data: %d hex chars", len(input))
		}
		return []*TokenTransfer{
			{
				From:   input[28:72],
				To:     input[92:136],
				Amount: hexWord(input[136:200]),
			},
		}, nil
	}

	return nil, nil
}

func hexWord(word string) *big.Int {
	return new(big.Int).SetBytes(common.Hex2Bytes(word))
}
