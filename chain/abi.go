package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ABI fragments of the two on-chain collaborators. Only the members this
// worker touches are declared.

const raceABIJSON = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "uint256", "name": "raceId", "type": "uint256"},
			{"indexed": true, "internalType": "address", "name": "player", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "payout", "type": "uint256"},
			{"indexed": false, "internalType": "bool", "name": "won", "type": "bool"}
		],
		"name": "RaceFinished",
		"type": "event"
	}
]`

const referralABIJSON = `[
	{
		"inputs": [{"internalType": "address", "name": "player", "type": "address"}],
		"name": "hasReferrer",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "player", "type": "address"}],
		"name": "referrerOf",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "referrer", "type": "address"}],
		"name": "pendingRewards",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address[]", "name": "referrers", "type": "address[]"},
			{"internalType": "uint256[]", "name": "amounts", "type": "uint256[]"}
		],
		"name": "fundRewards",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	}
]`

var (
	raceABI     = mustParseABI(raceABIJSON)
	referralABI = mustParseABI(referralABIJSON)

	raceFinishedID = raceABI.Events["RaceFinished"].ID
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(err)
	}
	return parsed
}
