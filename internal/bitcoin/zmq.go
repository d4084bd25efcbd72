package bitcoin

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"

	"github.com/utxodutch/dutchd/internal/log"
	"github.com/utxodutch/dutchd/internal/metrics"
	"github.com/utxodutch/dutchd/pkg/types"
)

// ZMQ topics published by bitcoind.
const (
	topicRawBlock = "rawblock"
	topicRawTx    = "rawtx"
)

// reconnectDelay paces redials after a socket failure.
const reconnectDelay = 5 * time.Second

// BlockEvent announces a newly connected block.
type BlockEvent struct {
	Hash string
}

// TxEvent announces a transaction seen by the node, with its decoded
// inputs so consumers can intersect them against watched outpoints.
type TxEvent struct {
	TxID   string
	Inputs []types.Outpoint
}

// ZMQListener subscribes to bitcoind's rawblock and rawtx notifications
// and fans them out as decoded events. Delivery is best effort: when a
// consumer falls behind, events are dropped and the periodic sweeps
// repair the gap.
type ZMQListener struct {
	blockURL string
	txURL    string
	log      zerolog.Logger

	blocks chan BlockEvent
	txs    chan TxEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewZMQListener creates a listener for the two bitcoind publish
// endpoints. Start must be called before events flow.
func NewZMQListener(blockURL, txURL string) *ZMQListener {
	return &ZMQListener{
		blockURL: blockURL,
		txURL:    txURL,
		log:      log.ZMQ,
		blocks:   make(chan BlockEvent, 64),
		txs:      make(chan TxEvent, 1024),
	}
}

// Blocks returns the stream of new-block events.
func (z *ZMQListener) Blocks() <-chan BlockEvent { return z.blocks }

// Txs returns the stream of transaction events.
func (z *ZMQListener) Txs() <-chan TxEvent { return z.txs }

// Start launches one subscriber goroutine per topic.
func (z *ZMQListener) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	z.cancel = cancel

	z.wg.Add(2)
	go z.listen(ctx, z.blockURL, topicRawBlock, z.handleBlock)
	go z.listen(ctx, z.txURL, topicRawTx, z.handleTx)
}

// Stop terminates the subscribers and waits for them to exit.
func (z *ZMQListener) Stop() {
	if z.cancel == nil {
		return
	}
	z.cancel()
	z.wg.Wait()
	z.log.Info().Msg("ZMQ listeners stopped")
}

// listen keeps one subscription alive, redialing after failures so a
// bitcoind restart never silences the push path for good.
func (z *ZMQListener) listen(ctx context.Context, url, topic string, handle func([]byte)) {
	defer z.wg.Done()
	for {
		err := z.subscribe(ctx, url, topic, handle)
		if ctx.Err() != nil {
			return
		}
		z.log.Error().Err(err).Str("topic", topic).Str("url", url).Msg("ZMQ subscription lost, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// subscribe dials the endpoint and pumps messages until the socket or
// the context fails.
func (z *ZMQListener) subscribe(ctx context.Context, url, topic string, handle func([]byte)) error {
	sub := zmq4.NewSub(ctx)
	defer sub.Close()

	if err := sub.Dial(url); err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, topic); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	z.log.Info().Str("topic", topic).Str("url", url).Msg("Subscribed")

	for {
		msg, err := sub.Recv()
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}
		// bitcoind frames: topic, payload, little-endian sequence.
		if len(msg.Frames) < 2 || string(msg.Frames[0]) != topic {
			continue
		}
		metrics.ZMQEventsTotal.WithLabelValues(topic).Inc()
		handle(msg.Frames[1])
	}
}

func (z *ZMQListener) handleBlock(payload []byte) {
	ev, err := parseBlockEvent(payload)
	if err != nil {
		z.log.Error().Err(err).Msg("Undecodable rawblock payload")
		return
	}
	select {
	case z.blocks <- ev:
	default:
		metrics.ZMQDroppedTotal.WithLabelValues(topicRawBlock).Inc()
		z.log.Warn().Str("block", ev.Hash).Msg("Block channel full, dropping event")
	}
}

func (z *ZMQListener) handleTx(payload []byte) {
	ev, err := parseTxEvent(payload)
	if err != nil {
		z.log.Error().Err(err).Msg("Undecodable rawtx payload")
		return
	}
	select {
	case z.txs <- ev:
	default:
		metrics.ZMQDroppedTotal.WithLabelValues(topicRawTx).Inc()
		z.log.Debug().Str("txid", ev.TxID).Msg("Tx channel full, dropping event")
	}
}

// parseBlockEvent decodes just the 80-byte header of a rawblock payload.
func parseBlockEvent(payload []byte) (BlockEvent, error) {
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(payload)); err != nil {
		return BlockEvent{}, fmt.Errorf("decode block header: %w", err)
	}
	return BlockEvent{Hash: header.BlockHash().String()}, nil
}

// parseTxEvent decodes a rawtx payload into its txid and non-coinbase
// inputs.
func parseTxEvent(payload []byte) (TxEvent, error) {
	var mtx wire.MsgTx
	if err := mtx.Deserialize(bytes.NewReader(payload)); err != nil {
		return TxEvent{}, fmt.Errorf("decode tx: %w", err)
	}
	ev := TxEvent{TxID: mtx.TxHash().String()}
	for _, in := range mtx.TxIn {
		prev := in.PreviousOutPoint
		if prev.Hash == (chainhash.Hash{}) && prev.Index == wire.MaxPrevOutIndex {
			continue // coinbase
		}
		ev.Inputs = append(ev.Inputs, types.Outpoint{
			TxID: prev.Hash.String(),
			Vout: prev.Index,
		})
	}
	return ev, nil
}
