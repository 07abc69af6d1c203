package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/scobru/shogun-relay-sub014/internal/domain"
)

// RPCTimeout bounds every call this package makes to the node, per spec.md
// §5 ("every RPC... has a bounded timeout (default 15s)").
const RPCTimeout = 15 * time.Second

// RPCClient is the production Client backed by go-ethereum's ethclient and
// a settlement-contract ABI, grounded on the relayer bookkeeping in the
// teacher's core/cross_chain.go (RegisterBridge/AuthorizedRelayers) but
// generalized from an in-process map to real RPC calls + log queries.
type RPCClient struct {
	eth       *ethclient.Client
	contract  common.Address
	abi       abi.ABI
	key       *ecdsa.PrivateKey
	chainID   *big.Int
	log       *logrus.Logger
}

// Dial connects to rpcURL and builds an RPCClient for the settlement
// contract at contractAddr, signing outgoing transactions with key.
func Dial(ctx context.Context, rpcURL string, contractAddr common.Address, contractABI abi.ABI, key *ecdsa.PrivateKey, log *logrus.Logger) (*RPCClient, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()
	eth, err := ethclient.DialContext(cctx, rpcURL)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "dial RPC endpoint", err, true)
	}
	chainID, err := eth.ChainID(cctx)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "read chain id", err, true)
	}
	return &RPCClient{eth: eth, contract: contractAddr, abi: contractABI, key: key, chainID: chainID, log: log}, nil
}

func (c *RPCClient) ChainID() *big.Int { return c.chainID }

func toCommon(a domain.Address) common.Address {
	return common.BytesToAddress(a.Bytes())
}

func fromCommon(a common.Address) domain.Address {
	var d domain.Address
	copy(d[:], a.Bytes())
	return d
}

func (c *RPCClient) call(ctx context.Context, out any, method string, args ...any) error {
	cctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return domain.Wrap(domain.KindInvalidInput, "pack call "+method, err, false)
	}
	msg := ethereum.CallMsg{To: &c.contract, Data: data}
	res, err := c.eth.CallContract(cctx, msg, nil)
	if err != nil {
		return domain.Wrap(domain.KindUpstream, "call "+method, err, true)
	}
	if out == nil {
		return nil
	}
	return c.abi.UnpackIntoInterface(out, method, res)
}

// transact builds, signs, and broadcasts a transaction to the settlement
// contract, then waits for it to be mined.
func (c *RPCClient) transact(ctx context.Context, method string, args ...any) (*types.Receipt, error) {
	cctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, domain.Wrap(domain.KindInvalidInput, "pack tx "+method, err, false)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "build transactor", err, false)
	}
	nonce, err := c.eth.PendingNonceAt(cctx, opts.From)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "read pending nonce", err, true)
	}
	gasPrice, err := c.eth.SuggestGasPrice(cctx)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "suggest gas price", err, true)
	}
	gasLimit, err := c.eth.EstimateGas(cctx, ethereum.CallMsg{From: opts.From, To: &c.contract, Data: data})
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "estimate gas", err, true)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "sign tx", err, false)
	}
	if err := c.eth.SendTransaction(cctx, signed); err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "send tx "+method, err, true)
	}
	receipt, err := bind.WaitMined(cctx, c.eth, signed)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "wait mined "+method, err, true)
	}
	return receipt, nil
}

func (c *RPCClient) GetCurrentStateRoot(ctx context.Context) ([32]byte, error) {
	var root [32]byte
	err := c.call(ctx, &root, "currentStateRoot")
	return root, err
}

func (c *RPCClient) GetCurrentBatchId(ctx context.Context) (uint64, error) {
	var id *big.Int
	if err := c.call(ctx, &id, "currentBatchId"); err != nil {
		return 0, err
	}
	return id.Uint64(), nil
}

func (c *RPCClient) GetBatchInfo(ctx context.Context, id uint64) (BatchInfo, error) {
	var out struct {
		Root        [32]byte
		Finalized   bool
		SubmitBlock *big.Int
	}
	if err := c.call(ctx, &out, "getBatchInfo", new(big.Int).SetUint64(id)); err != nil {
		return BatchInfo{}, err
	}
	return BatchInfo{BatchID: id, Root: out.Root, Finalized: out.Finalized, SubmitBlock: out.SubmitBlock.Uint64()}, nil
}

func (c *RPCClient) IsWithdrawalProcessed(ctx context.Context, user domain.Address, amount domain.Amount, nonce uint64) (bool, error) {
	var processed bool
	err := c.call(ctx, &processed, "isWithdrawalProcessed", toCommon(user), amount.Int(), new(big.Int).SetUint64(nonce))
	return processed, err
}

func (c *RPCClient) QueryDeposits(ctx context.Context, fromBlock, toBlock uint64, userFilter *domain.Address) ([]DepositEvent, error) {
	logs, err := c.filterLogs(ctx, fromBlock, toBlock, "Deposit")
	if err != nil {
		return nil, err
	}
	out := make([]DepositEvent, 0, len(logs))
	for _, lg := range logs {
		var ev struct {
			User   common.Address
			Amount *big.Int
		}
		if err := c.abi.UnpackIntoInterface(&ev, "Deposit", lg.Data); err != nil {
			continue
		}
		u := fromCommon(ev.User)
		if userFilter != nil && u != *userFilter {
			continue
		}
		amt, _ := domain.NewAmount(ev.Amount)
		out = append(out, DepositEvent{TxHash: lg.TxHash.Hex(), User: u, Amount: amt, BlockNumber: lg.BlockNumber})
	}
	return out, nil
}

func (c *RPCClient) QueryWithdrawals(ctx context.Context, fromBlock, toBlock uint64, userFilter *domain.Address) ([]WithdrawalEvent, error) {
	logs, err := c.filterLogs(ctx, fromBlock, toBlock, "WithdrawalProcessed")
	if err != nil {
		return nil, err
	}
	out := make([]WithdrawalEvent, 0, len(logs))
	for _, lg := range logs {
		var ev struct {
			User   common.Address
			Amount *big.Int
			Nonce  *big.Int
		}
		if err := c.abi.UnpackIntoInterface(&ev, "WithdrawalProcessed", lg.Data); err != nil {
			continue
		}
		u := fromCommon(ev.User)
		if userFilter != nil && u != *userFilter {
			continue
		}
		amt, _ := domain.NewAmount(ev.Amount)
		out = append(out, WithdrawalEvent{TxHash: lg.TxHash.Hex(), User: u, Amount: amt, Nonce: ev.Nonce.Uint64(), BlockNumber: lg.BlockNumber})
	}
	return out, nil
}

func (c *RPCClient) filterLogs(ctx context.Context, fromBlock, toBlock uint64, eventName string) ([]types.Log, error) {
	cctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()
	ev, ok := c.abi.Events[eventName]
	if !ok {
		return nil, domain.Newf(domain.KindInvalidInput, "unknown event %s", eventName)
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{ev.ID}},
	}
	logs, err := c.eth.FilterLogs(cctx, query)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "filter logs "+eventName, err, true)
	}
	return logs, nil
}

func (c *RPCClient) SubmitBatch(ctx context.Context, root [32]byte, withdrawals []Withdrawal, signatures [][]byte) (uint64, string, error) {
	already, err := c.call2BoolByRoot(ctx, root)
	if err == nil && already {
		id, _ := c.GetCurrentBatchId(ctx)
		return id, "", ErrAlreadyFinalized
	}

	users := make([]common.Address, len(withdrawals))
	amounts := make([]*big.Int, len(withdrawals))
	nonces := make([]*big.Int, len(withdrawals))
	for i, w := range withdrawals {
		users[i] = toCommon(w.User)
		amounts[i] = w.Amount.Int()
		nonces[i] = new(big.Int).SetUint64(w.Nonce)
	}
	receipt, err := c.transact(ctx, "submitBatch", root, users, amounts, nonces, signatures)
	if err != nil {
		return 0, "", err
	}
	batchID, txErr := c.decodeBatchID(receipt)
	if txErr != nil {
		return 0, receipt.TxHash.Hex(), txErr
	}
	return batchID, receipt.TxHash.Hex(), nil
}

func (c *RPCClient) call2BoolByRoot(ctx context.Context, root [32]byte) (bool, error) {
	var finalized bool
	err := c.call(ctx, &finalized, "isRootFinalized", root)
	return finalized, err
}

func (c *RPCClient) decodeBatchID(receipt *types.Receipt) (uint64, error) {
	ev, ok := c.abi.Events["BatchSubmitted"]
	if !ok {
		return 0, domain.New(domain.KindUpstream, "contract ABI missing BatchSubmitted event")
	}
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		var out struct{ BatchID *big.Int }
		if err := c.abi.UnpackIntoInterface(&out, "BatchSubmitted", lg.Data); err != nil {
			continue
		}
		return out.BatchID.Uint64(), nil
	}
	return 0, domain.New(domain.KindUpstream, "BatchSubmitted event not found in receipt")
}

func (c *RPCClient) RegisterDeal(ctx context.Context, dealID string, client domain.Address, cid string, sizeMB int64, priceUSDC domain.Amount, durationDays int, clientStake domain.Amount) (uint64, error) {
	receipt, err := c.transact(ctx, "registerDeal", dealID, toCommon(client), cid, big.NewInt(sizeMB), priceUSDC.Int(), big.NewInt(int64(durationDays)), clientStake.Int())
	if err != nil {
		return 0, err
	}
	ev, ok := c.abi.Events["DealRegistered"]
	if !ok {
		return 0, domain.New(domain.KindUpstream, "contract ABI missing DealRegistered event")
	}
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		var out struct{ DealID *big.Int }
		if err := c.abi.UnpackIntoInterface(&out, "DealRegistered", lg.Data); err != nil {
			continue
		}
		return out.DealID.Uint64(), nil
	}
	return 0, domain.New(domain.KindUpstream, "DealRegistered event not found in receipt")
}

func (c *RPCClient) AllowanceOf(ctx context.Context, owner, spender domain.Address) (domain.Amount, error) {
	var allowance *big.Int
	if err := c.call(ctx, &allowance, "allowance", toCommon(owner), toCommon(spender)); err != nil {
		return domain.Zero(), err
	}
	return domain.NewAmount(allowance)
}

func (c *RPCClient) GetRelayInfo(ctx context.Context, addr domain.Address) (RelayInfo, error) {
	var out struct {
		Stake  *big.Int
		Active bool
	}
	if err := c.call(ctx, &out, "getRelayInfo", toCommon(addr)); err != nil {
		return RelayInfo{}, err
	}
	stake, _ := domain.NewAmount(out.Stake)
	return RelayInfo{Address: addr, Stake: stake, Active: out.Active}, nil
}

func (c *RPCClient) GetClientDeals(ctx context.Context, client domain.Address) ([]DealInfo, error) {
	var raw []struct {
		DealID       *big.Int
		CID          string
		SizeMB       *big.Int
		PriceUSDC    *big.Int
		DurationDays *big.Int
	}
	if err := c.call(ctx, &raw, "getClientDeals", toCommon(client)); err != nil {
		return nil, err
	}
	out := make([]DealInfo, 0, len(raw))
	for _, r := range raw {
		price, _ := domain.NewAmount(r.PriceUSDC)
		out = append(out, DealInfo{
			OnChainDealID: r.DealID.Uint64(),
			Client:        client,
			CID:           r.CID,
			SizeMB:        r.SizeMB.Int64(),
			PriceUSDC:     price,
			DurationDays:  int(r.DurationDays.Int64()),
		})
	}
	return out, nil
}
