package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// bridgeABIJSON describes the settlement contract's call/transact/event
// surface that RPCClient assumes. No deployed contract artifact ships in
// this repository, so this is the minimal interface Dial's caller must
// point at a real deployment's ABI once one exists; an operator wiring a
// live chain swaps this for the deployed contract's actual ABI JSON.
const bridgeABIJSON = `[
  {"type":"function","name":"currentStateRoot","stateMutability":"view",
   "inputs":[], "outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"currentBatchId","stateMutability":"view",
   "inputs":[], "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getBatchInfo","stateMutability":"view",
   "inputs":[{"name":"id","type":"uint256"}],
   "outputs":[
     {"name":"root","type":"bytes32"},
     {"name":"finalized","type":"bool"},
     {"name":"submitBlock","type":"uint256"}
   ]},
  {"type":"function","name":"isWithdrawalProcessed","stateMutability":"view",
   "inputs":[
     {"name":"user","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"nonce","type":"uint256"}
   ],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"isRootFinalized","stateMutability":"view",
   "inputs":[{"name":"root","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"submitBatch","stateMutability":"nonpayable",
   "inputs":[
     {"name":"root","type":"bytes32"},
     {"name":"users","type":"address[]"},
     {"name":"amounts","type":"uint256[]"},
     {"name":"nonces","type":"uint256[]"},
     {"name":"signatures","type":"bytes[]"}
   ], "outputs":[]},
  {"type":"function","name":"registerDeal","stateMutability":"nonpayable",
   "inputs":[
     {"name":"dealId","type":"string"},
     {"name":"client","type":"address"},
     {"name":"cid","type":"string"},
     {"name":"sizeMB","type":"uint256"},
     {"name":"priceUSDC","type":"uint256"},
     {"name":"durationDays","type":"uint256"},
     {"name":"clientStake","type":"uint256"}
   ], "outputs":[]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[
     {"name":"owner","type":"address"},
     {"name":"spender","type":"address"}
   ], "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getRelayInfo","stateMutability":"view",
   "inputs":[{"name":"addr","type":"address"}],
   "outputs":[
     {"name":"stake","type":"uint256"},
     {"name":"active","type":"bool"}
   ]},
  {"type":"function","name":"getClientDeals","stateMutability":"view",
   "inputs":[{"name":"client","type":"address"}],
   "outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"dealID","type":"uint256"},
     {"name":"cID","type":"string"},
     {"name":"sizeMB","type":"uint256"},
     {"name":"priceUSDC","type":"uint256"},
     {"name":"durationDays","type":"uint256"}
   ]}]},
  {"type":"event","name":"Deposit","anonymous":false,
   "inputs":[
     {"name":"user","type":"address","indexed":false},
     {"name":"amount","type":"uint256","indexed":false}
   ]},
  {"type":"event","name":"WithdrawalProcessed","anonymous":false,
   "inputs":[
     {"name":"user","type":"address","indexed":false},
     {"name":"amount","type":"uint256","indexed":false},
     {"name":"nonce","type":"uint256","indexed":false}
   ]},
  {"type":"event","name":"BatchSubmitted","anonymous":false,
   "inputs":[
     {"name":"root","type":"bytes32","indexed":true},
     {"name":"batchID","type":"uint256","indexed":false}
   ]},
  {"type":"event","name":"DealRegistered","anonymous":false,
   "inputs":[
     {"name":"client","type":"address","indexed":true},
     {"name":"cid","type":"string","indexed":true},
     {"name":"dealID","type":"uint256","indexed":false}
   ]}
]`

// BridgeABI is the parsed form of bridgeABIJSON, built once at package
// init so Dial callers never need to parse it themselves.
var BridgeABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(bridgeABIJSON))
	if err != nil {
		panic("chain: invalid embedded bridge ABI: " + err.Error())
	}
	BridgeABI = parsed
}
