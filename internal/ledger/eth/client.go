// Package eth binds the ride contract over an Ethereum JSON-RPC endpoint.
package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/squarejellyfish/ntuber/internal/ledger"
	"github.com/squarejellyfish/ntuber/internal/models"
)

type Config struct {
	RPCURL string
	// Contract is the hex address of the deployed ride contract.
	Contract   string
	PrivateKey string
	// ChainID pins the expected chain; zero accepts whatever the node reports.
	ChainID int64
}

// Client implements ledger.Client against a deployed contract. Subscriptions
// need a websocket RPC URL; plain HTTP endpoints fail Subscribe and the mirror
// falls back to polling.
type Client struct {
	backend  *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address
	auth     *bind.TransactOpts
	kinds    map[common.Hash]ledger.EventKind
}

var _ ledger.Client = (*Client)(nil)

func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.Contract)
	}
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	backend, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		backend.Close()
		return nil, fmt.Errorf("connected to chain %s, want %d", chainID, cfg.ChainID)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		backend.Close()
		return nil, err
	}
	c := newClient(parsed, common.HexToAddress(cfg.Contract))
	c.backend = backend
	c.auth = auth
	c.contract = bind.NewBoundContract(c.address, parsed, backend, backend, backend)
	return c, nil
}

func newClient(parsed abi.ABI, address common.Address) *Client {
	c := &Client{abi: parsed, address: address, kinds: make(map[common.Hash]ledger.EventKind)}
	for _, kind := range ledger.EventKinds {
		if ev, ok := parsed.Events[string(kind)]; ok {
			c.kinds[ev.ID] = kind
		}
	}
	return c
}

func (c *Client) Close() { c.backend.Close() }

func (c *Client) Identity() models.Address { return models.Address(c.auth.From.Hex()) }

func (c *Client) RideCount(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "rideCount"); err != nil {
		return 0, err
	}
	n := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	return n.Uint64(), nil
}

// rideTuple mirrors the getRideDetails return struct field for field.
type rideTuple struct {
	Id              *big.Int
	Passenger       common.Address
	Driver          common.Address
	PickupLocation  string
	DropoffLocation string
	Amount          *big.Int
	Timestamp       *big.Int
	Status          uint8
	IsRated         bool
	Rating          uint8
}

func (c *Client) Ride(ctx context.Context, id uint64) (ledger.Record, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getRideDetails", new(big.Int).SetUint64(id)); err != nil {
		return ledger.Record{}, err
	}
	t := abi.ConvertType(out[0], new(rideTuple)).(*rideTuple)
	return toRecord(*t), nil
}

func toRecord(t rideTuple) ledger.Record {
	rec := ledger.Record{
		Passenger:       t.Passenger.Hex(),
		Driver:          t.Driver.Hex(),
		PickupLocation:  t.PickupLocation,
		DropoffLocation: t.DropoffLocation,
		Amount:          new(big.Int),
		Status:          t.Status,
		IsRated:         t.IsRated,
		Rating:          t.Rating,
	}
	if t.Id != nil {
		rec.ID = t.Id.Uint64()
	}
	if t.Amount != nil {
		rec.Amount.Set(t.Amount)
	}
	if t.Timestamp != nil {
		rec.Timestamp = t.Timestamp.Uint64()
	}
	return rec
}

func (c *Client) Subscribe(ctx context.Context) (<-chan ledger.Event, error) {
	logs := make(chan types.Log, 64)
	sub, err := c.backend.SubscribeFilterLogs(ctx, ethereum.FilterQuery{Addresses: []common.Address{c.address}}, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe contract logs: %w", err)
	}
	out := make(chan ledger.Event, 64)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Err():
				return
			case l := <-logs:
				ev, ok := c.eventFor(l)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out, nil
}

// eventFor maps a contract log to a notification. Events whose first indexed
// argument is the ride id carry it in Topics[1].
func (c *Client) eventFor(l types.Log) (ledger.Event, bool) {
	if len(l.Topics) == 0 {
		return ledger.Event{}, false
	}
	kind, ok := c.kinds[l.Topics[0]]
	if !ok {
		return ledger.Event{}, false
	}
	ev := ledger.Event{Kind: kind}
	if kind != ledger.EventRated && len(l.Topics) > 1 {
		ev.RideID = new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64()
	}
	return ev, true
}

func (c *Client) RequestRide(ctx context.Context, pickup, dropoff string, value *big.Int) error {
	return c.transact(ctx, "requestRide", value, pickup, dropoff)
}

func (c *Client) AcceptRide(ctx context.Context, id uint64) error {
	return c.transact(ctx, "acceptRide", nil, new(big.Int).SetUint64(id))
}

func (c *Client) StartRide(ctx context.Context, id uint64) error {
	return c.transact(ctx, "startRide", nil, new(big.Int).SetUint64(id))
}

func (c *Client) CompleteRide(ctx context.Context, id uint64) error {
	return c.transact(ctx, "completeRide", nil, new(big.Int).SetUint64(id))
}

func (c *Client) CancelRide(ctx context.Context, id uint64) error {
	return c.transact(ctx, "cancelRide", nil, new(big.Int).SetUint64(id))
}

func (c *Client) RateDriver(ctx context.Context, id uint64, stars uint8) error {
	return c.transact(ctx, "rateDriver", nil, new(big.Int).SetUint64(id), stars)
}

// transact submits the call and waits for its receipt.
func (c *Client) transact(ctx context.Context, op string, value *big.Int, args ...interface{}) error {
	opts := *c.auth
	opts.Context = ctx
	opts.Value = value
	tx, err := c.contract.Transact(&opts, op, args...)
	if err != nil {
		return classify(op, err)
	}
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return &ledger.TxError{Op: op, Kind: ledger.ErrFailed, Reason: "waiting for confirmation", Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ledger.Reverted(op, "tx "+tx.Hash().Hex())
	}
	return nil
}

// classify sorts submission errors into the ledger error kinds. Gas
// estimation surfaces contract reverts before anything is broadcast.
func classify(op string, err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &ledger.TxError{Op: op, Kind: ledger.ErrFailed, Err: err}
	case strings.Contains(lower, "execution reverted"):
		reason := msg
		if i := strings.Index(lower, "execution reverted"); i >= 0 {
			reason = strings.TrimLeft(msg[i+len("execution reverted"):], ": ")
		}
		return &ledger.TxError{Op: op, Kind: ledger.ErrReverted, Reason: reason, Err: err}
	case strings.Contains(lower, "user rejected"), strings.Contains(lower, "user denied"):
		return &ledger.TxError{Op: op, Kind: ledger.ErrRejected, Reason: msg, Err: err}
	default:
		return &ledger.TxError{Op: op, Kind: ledger.ErrFailed, Reason: msg, Err: err}
	}
}
