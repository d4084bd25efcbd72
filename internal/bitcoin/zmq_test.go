package bitcoin

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-zeromq/zmq4"
)

func serializeTx(t *testing.T, mtx *wire.MsgTx) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := mtx.Serialize(&buf); err != nil {
		t.Fatalf("serialize tx: %v", err)
	}
	return buf.Bytes()
}

func TestParseTxEvent(t *testing.T) {
	prevTxID := fmt.Sprintf("%064x", 0xabc)
	prevHash, err := chainhash.NewHashFromStr(prevTxID)
	if err != nil {
		t.Fatalf("parse hash: %v", err)
	}

	mtx := wire.NewMsgTx(wire.TxVersion)
	mtx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: *prevHash, Index: 1}, nil, nil))
	mtx.AddTxOut(wire.NewTxOut(70000, []byte{0x51}))

	ev, err := parseTxEvent(serializeTx(t, mtx))
	if err != nil {
		t.Fatalf("parseTxEvent() error: %v", err)
	}
	if ev.TxID != mtx.TxHash().String() {
		t.Errorf("TxID = %q, want %q", ev.TxID, mtx.TxHash().String())
	}
	if len(ev.Inputs) != 1 {
		t.Fatalf("Inputs = %d, want 1", len(ev.Inputs))
	}
	if ev.Inputs[0].TxID != prevTxID || ev.Inputs[0].Vout != 1 {
		t.Errorf("Inputs[0] = %s, want %s:1", ev.Inputs[0], prevTxID)
	}
}

func TestParseTxEventSkipsCoinbase(t *testing.T) {
	mtx := wire.NewMsgTx(wire.TxVersion)
	mtx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: wire.MaxPrevOutIndex}, []byte("height"), nil))
	mtx.AddTxOut(wire.NewTxOut(625000000, []byte{0x51}))

	ev, err := parseTxEvent(serializeTx(t, mtx))
	if err != nil {
		t.Fatalf("parseTxEvent() error: %v", err)
	}
	if len(ev.Inputs) != 0 {
		t.Errorf("Inputs = %v, want none for coinbase", ev.Inputs)
	}
}

func TestParseTxEventRejectsGarbage(t *testing.T) {
	if _, err := parseTxEvent([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Error("parseTxEvent() accepted garbage")
	}
}

func TestParseBlockEvent(t *testing.T) {
	prevHash, _ := chainhash.NewHashFromStr(fmt.Sprintf("%064x", 0x11))
	merkle, _ := chainhash.NewHashFromStr(fmt.Sprintf("%064x", 0x22))
	header := wire.NewBlockHeader(2, prevHash, merkle, 0x1d00ffff, 42)

	block := wire.NewMsgBlock(header)
	coinbase := wire.NewMsgTx(wire.TxVersion)
	coinbase.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: wire.MaxPrevOutIndex}, []byte("cb"), nil))
	coinbase.AddTxOut(wire.NewTxOut(625000000, []byte{0x51}))
	if err := block.AddTransaction(coinbase); err != nil {
		t.Fatalf("add transaction: %v", err)
	}

	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		t.Fatalf("serialize block: %v", err)
	}

	ev, err := parseBlockEvent(buf.Bytes())
	if err != nil {
		t.Fatalf("parseBlockEvent() error: %v", err)
	}
	if ev.Hash != header.BlockHash().String() {
		t.Errorf("Hash = %q, want %q", ev.Hash, header.BlockHash().String())
	}
}

func TestZMQListener_DeliversTxEvents(t *testing.T) {
	pub := zmq4.NewPub(context.Background())
	defer pub.Close()
	if err := pub.Listen("tcp://127.0.0.1:0"); err != nil {
		t.Fatalf("bind pub socket: %v", err)
	}
	endpoint := "tcp://" + pub.Addr().String()

	lst := NewZMQListener(endpoint, endpoint)
	lst.Start()
	defer lst.Stop()

	prevTxID := fmt.Sprintf("%064x", 0x77)
	prevHash, _ := chainhash.NewHashFromStr(prevTxID)
	mtx := wire.NewMsgTx(wire.TxVersion)
	mtx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: *prevHash, Index: 3}, nil, nil))
	mtx.AddTxOut(wire.NewTxOut(60000, []byte{0x51}))
	msg := zmq4.NewMsgFrom([]byte(topicRawTx), serializeTx(t, mtx), []byte{0, 0, 0, 0})

	// Publish until the subscriber has joined and delivered the event.
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-lst.Txs():
			if ev.TxID != mtx.TxHash().String() {
				t.Fatalf("TxID = %q, want %q", ev.TxID, mtx.TxHash().String())
			}
			if len(ev.Inputs) != 1 || ev.Inputs[0].TxID != prevTxID || ev.Inputs[0].Vout != 3 {
				t.Fatalf("Inputs = %v, want [%s:3]", ev.Inputs, prevTxID)
			}
			return
		case <-tick.C:
			if err := pub.Send(msg); err != nil {
				t.Fatalf("publish: %v", err)
			}
		case <-deadline:
			t.Fatal("no tx event before deadline")
		}
	}
}
