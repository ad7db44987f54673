package adapter

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const erc20ABIJSON = `[
	{"stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"stateMutability":"view","inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"}
]`

var (
	erc20ABI = mustParseABI(erc20ABIJSON)

	// approvalTopic is keccak256("Approval(address,address,uint256)"). ERC-721
	// shares the signature but indexes the token id, giving four topics.
	approvalTopic = crypto.Keccak256Hash([]byte("Approval(address,address,uint256)"))

	// unlimitedThreshold is 2^255. Wallet UIs approve 2^256-1; anything at or
	// above half of that has effectively never been spent down.
	unlimitedThreshold = new(big.Int).Lsh(big.NewInt(1), 255)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid ERC-20 ABI: %v", err))
	}
	return parsed
}

// approvalLog is a decoded ERC-20 Approval event
type approvalLog struct {
	Token   common.Address
	Spender common.Address
	Block   uint64
	Index   uint
}

// decodeApproval returns the ERC-20 approval carried by l, or false for
// ERC-721 approvals, removed logs and anything else that is not one
func decodeApproval(l ethtypes.Log) (approvalLog, bool) {
	if l.Removed || len(l.Topics) != 3 || l.Topics[0] != approvalTopic || len(l.Data) != 32 {
		return approvalLog{}, false
	}
	return approvalLog{
		Token:   l.Address,
		Spender: common.BytesToAddress(l.Topics[2].Bytes()),
		Block:   l.BlockNumber,
		Index:   l.Index,
	}, true
}

// ownerTopic left-pads an address into an indexed topic
func ownerTopic(owner common.Address) common.Hash {
	return common.BytesToHash(owner.Bytes())
}

func packAllowance(owner, spender common.Address) ([]byte, error) {
	return erc20ABI.Pack("allowance", owner, spender)
}

func unpackAllowance(data []byte) (*big.Int, error) {
	out, err := erc20ABI.Unpack("allowance", data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotERC20, err)
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected allowance type %T", ErrNotERC20, out[0])
	}
	return amount, nil
}

func packSymbol() ([]byte, error) {
	return erc20ABI.Pack("symbol")
}

// unpackSymbol decodes symbol(). Older tokens (MKR, SAI) return bytes32
// instead of string.
func unpackSymbol(data []byte) (string, error) {
	if out, err := erc20ABI.Unpack("symbol", data); err == nil {
		if s, ok := out[0].(string); ok && utf8.ValidString(s) {
			return strings.TrimSpace(s), nil
		}
	}
	if len(data) == 32 {
		s := string(bytes.TrimRight(data, "\x00"))
		if s != "" && utf8.ValidString(s) {
			return strings.TrimSpace(s), nil
		}
	}
	return "", fmt.Errorf("%w: undecodable symbol", ErrNotERC20)
}

// IsUnlimited reports whether a raw allowance counts as unlimited
func IsUnlimited(amount *big.Int) bool {
	return amount.Cmp(unlimitedThreshold) >= 0
}
