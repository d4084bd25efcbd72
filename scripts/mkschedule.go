// mkschedule.go generates a submission JSON skeleton for dutch-cli submit:
// the linear price ramp is computed per block and each step carries a
// placeholder psbt_data for the seller to replace with a real signed PSBT.
// Usage: go run scripts/mkschedule.go --asset RAREPEPE --qty 1 \
//          --utxo <txid:vout> --start 850000 --end 850009 \
//          --start-price 100000 --end-price 10000 [--grace 144]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/utxodutch/dutchd/pkg/types"
)

func main() {
	asset := flag.String("asset", "", "Counterparty asset name")
	qty := flag.String("qty", "1", "Asset quantity")
	utxo := flag.String("utxo", "", "Outpoint carrying the asset (txid:vout)")
	start := flag.Uint64("start", 0, "Auction start block")
	end := flag.Uint64("end", 0, "Auction end block")
	grace := flag.Uint64("grace", 144, "Blocks the final price stays purchasable")
	startPrice := flag.Uint64("start-price", 0, "Price at the start block, satoshis")
	endPrice := flag.Uint64("end-price", 0, "Price at the end block, satoshis")
	flag.Parse()

	if *asset == "" || *utxo == "" || *start == 0 || *end == 0 || *startPrice == 0 {
		flag.Usage()
		os.Exit(1)
	}
	if *end < *start {
		die("end block %d before start block %d", *end, *start)
	}
	if *endPrice > *startPrice {
		die("end price %d above start price %d", *endPrice, *startPrice)
	}
	op, err := types.ParseOutpoint(*utxo)
	if err != nil {
		die("%v", err)
	}
	if _, err := types.ParseQuantity(*qty); err != nil {
		die("%v", err)
	}

	blocks := *end - *start + 1
	decrement := uint64(0)
	if blocks > 1 {
		span := *startPrice - *endPrice
		decrement = span / (blocks - 1)
		if span%(blocks-1) != 0 {
			die("price span %d does not divide evenly over %d steps; adjust end-price to %d or %d",
				span, blocks-1, *startPrice-decrement*(blocks-1), *startPrice-(decrement+1)*(blocks-1))
		}
	}

	type step struct {
		BlockNumber uint64 `json:"block_number"`
		PriceSats   uint64 `json:"price_sats"`
		PsbtData    string `json:"psbt_data"`
	}
	steps := make([]step, 0, blocks)
	for i := uint64(0); i < blocks; i++ {
		steps = append(steps, step{
			BlockNumber: *start + i,
			PriceSats:   *startPrice - decrement*i,
			PsbtData:    fmt.Sprintf("REPLACE_WITH_SIGNED_PSBT_FOR_%d_SATS", *startPrice-decrement*i),
		})
	}

	out := map[string]interface{}{
		"asset_name":       *asset,
		"asset_qty":        *qty,
		"utxo_txid":        op.TxID,
		"utxo_vout":        op.Vout,
		"start_block":      *start,
		"end_block":        *end,
		"blocks_after_end": *grace,
		"start_price_sats": *startPrice,
		"end_price_sats":   *startPrice - decrement*(blocks-1),
		"price_decrement":  decrement,
		"psbts":            steps,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		die("%v", err)
	}
}

func die(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
