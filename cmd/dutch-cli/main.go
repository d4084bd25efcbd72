// dutch-cli is a command-line client for a running dutchd broker.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"golang.org/x/term"

	"github.com/utxodutch/dutchd/config"
	"github.com/utxodutch/dutchd/internal/bitcoin"
	"github.com/utxodutch/dutchd/internal/counterparty"
	"github.com/utxodutch/dutchd/internal/listing"
	"github.com/utxodutch/dutchd/internal/oracle"
	"github.com/utxodutch/dutchd/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Parse global flags that appear before the subcommand.
	apiURL := ""
	configPath := config.DefaultConfigFile
	apiKey := os.Getenv("API_KEY")

	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--api" && len(args) > 1:
			apiURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--api="):
			apiURL = args[0][len("--api="):]
			args = args[1:]
		case args[0] == "--config" && len(args) > 1:
			configPath = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--config="):
			configPath = args[0][len("--config="):]
			args = args[1:]
		case args[0] == "--key" && len(args) > 1:
			apiKey = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--key="):
			apiKey = args[0][len("--key="):]
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	// The broker's own config file supplies the API endpoint and the
	// oracle addresses, so the CLI follows the daemon it sits next to.
	cfg := config.Default()
	if values, err := config.LoadFile(configPath); err == nil {
		config.ApplyValues(cfg, values)
	}
	if apiURL == "" {
		apiURL = "http://" + cfg.Listen.Addr()
	}
	apiURL = strings.TrimRight(apiURL, "/")

	c := &client{base: apiURL, key: apiKey, http: &http.Client{Timeout: 30 * time.Second}}
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(c)
	case "listings":
		cmdListings(c, cmdArgs)
	case "listing":
		cmdListing(c, cmdArgs)
	case "psbt":
		cmdPSBT(c, cmdArgs)
	case "address":
		cmdAddress(c, cmdArgs)
	case "submit":
		cmdSubmit(c, cmdArgs)
	case "utxo":
		cmdUTXO(c, cfg, cmdArgs)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: dutch-cli [global flags] <command> [flags]

Global flags:
  --api <url>       Broker endpoint (default: from dutchd.conf, else http://127.0.0.1:8080)
  --config <path>   Broker config file consulted for the endpoint (default: ./dutchd.conf)
  --key <key>       API key for submissions (or API_KEY env var; prompted if absent)

Commands:
  status                          Show broker health and listing counts
  listings [--status <set>]       List listings, optionally filtered
                                  (comma-separated: upcoming,active,finished,expired,sold,closed)
  listing <id>                    Show one listing
  psbt <id>                       Show the currently purchasable PSBT step
  address <addr> [--role <r>] [--status <set>]
                                  Listings for an address (role: seller or buyer)
  submit --file <submission.json> Submit a new listing (requires API key)
  utxo <txid:vout>                Show which listing watches an outpoint
`)
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(c *client) {
	var health struct {
		Status           string         `json:"status"`
		BitcoinConnected bool           `json:"bitcoin_connected"`
		TipHeight        uint64         `json:"tip_height"`
		Listings         map[string]int `json:"listings"`
	}
	if err := c.get("/health", &health); err != nil {
		fatal("health: %v", err)
	}

	fmt.Printf("Status:  %s\n", health.Status)
	if health.BitcoinConnected {
		fmt.Printf("Bitcoin: connected (tip %d)\n", health.TipHeight)
	} else {
		fmt.Printf("Bitcoin: UNREACHABLE\n")
	}

	total := 0
	for _, n := range health.Listings {
		total += n
	}
	fmt.Printf("Listings: %d\n", total)
	for _, st := range []string{"upcoming", "active", "finished", "expired", "sold", "closed"} {
		if n := health.Listings[st]; n > 0 {
			fmt.Printf("  %-9s %d\n", st, n)
		}
	}
}

// ── listings ────────────────────────────────────────────────────────────

type listingsResult struct {
	Listings []*listing.Listing `json:"listings"`
	Count    int                `json:"count"`
}

func cmdListings(c *client, args []string) {
	fs := flag.NewFlagSet("listings", flag.ExitOnError)
	status := fs.String("status", "", "Status filter (comma-separated)")
	fs.Parse(args)

	path := "/listings"
	if *status != "" {
		path += "?status=" + *status
	}

	var result listingsResult
	if err := c.get(path, &result); err != nil {
		fatal("listings: %v", err)
	}

	if result.Count == 0 {
		fmt.Println("No listings.")
		return
	}
	for _, l := range result.Listings {
		printListingLine(l)
	}
}

func printListingLine(l *listing.Listing) {
	fmt.Printf("  [%d] %-9s %s x %s  %s:%d  blocks %d-%d  %s -> %s\n",
		l.ID, l.Status, l.AssetName, l.AssetQty,
		short(l.UtxoTxID), l.UtxoVout,
		l.StartBlock, l.EndBlock,
		formatSats(l.StartPriceSats), formatSats(l.EndPriceSats))
}

// ── listing ─────────────────────────────────────────────────────────────

func cmdListing(c *client, args []string) {
	if len(args) < 1 {
		fatal("Usage: dutch-cli listing <id>")
	}

	var l listing.Listing
	if err := c.get("/listings/"+args[0], &l); err != nil {
		fatal("listing: %v", err)
	}

	fmt.Printf("ID:        %d\n", l.ID)
	fmt.Printf("Status:    %s\n", l.Status)
	fmt.Printf("Asset:     %s x %s\n", l.AssetName, l.AssetQty)
	fmt.Printf("UTXO:      %s:%d\n", l.UtxoTxID, l.UtxoVout)
	fmt.Printf("Blocks:    %d - %d (+%d grace)\n", l.StartBlock, l.EndBlock, l.BlocksAfterEnd)
	fmt.Printf("Price:     %s -> %s (step %s)\n",
		formatSats(l.StartPriceSats), formatSats(l.EndPriceSats), formatSats(l.PriceDecrement))
	if l.Seller != "" {
		fmt.Printf("Seller:    %s\n", l.Seller)
	}
	fmt.Printf("Created:   %s (block %d)\n", l.CreatedAt.Format("2006-01-02 15:04:05 UTC"), l.CreatedBlock)
	if l.SpentTxID != "" {
		fmt.Printf("Spent by:  %s (block %d)\n", l.SpentTxID, l.SpentBlock)
		fmt.Printf("Recipient: %s\n", l.Recipient)
	}
}

// ── psbt ────────────────────────────────────────────────────────────────

func cmdPSBT(c *client, args []string) {
	if len(args) < 1 {
		fatal("Usage: dutch-cli psbt <id>")
	}

	var rev struct {
		ListingID uint64            `json:"listing_id"`
		Status    string            `json:"status"`
		Kind      string            `json:"kind"`
		Step      *listing.PsbtStep `json:"step,omitempty"`
	}
	if err := c.get("/listings/"+args[0]+"/current-psbt", &rev); err != nil {
		fatal("current-psbt: %v", err)
	}

	fmt.Printf("Listing: %d (%s)\n", rev.ListingID, rev.Status)
	if rev.Step == nil {
		fmt.Printf("No PSBT available: %s\n", rev.Kind)
		return
	}
	fmt.Printf("Block:   %d\n", rev.Step.BlockNumber)
	fmt.Printf("Price:   %s\n", formatSats(rev.Step.PriceSats))
	fmt.Printf("PSBT:\n%s\n", rev.Step.PsbtData)
}

// ── address ─────────────────────────────────────────────────────────────

func cmdAddress(c *client, args []string) {
	if len(args) < 1 {
		fatal("Usage: dutch-cli address <addr> [--role seller|buyer] [--status <set>]")
	}
	addr := args[0]

	fs := flag.NewFlagSet("address", flag.ExitOnError)
	role := fs.String("role", "seller", "Role: seller or buyer")
	status := fs.String("status", "", "Status filter (comma-separated)")
	fs.Parse(args[1:])

	path := "/address/" + addr + "?role=" + *role
	if *status != "" {
		path += "&status=" + *status
	}

	var result listingsResult
	if err := c.get(path, &result); err != nil {
		fatal("address: %v", err)
	}

	fmt.Printf("Address: %s (%s)\n", addr, *role)
	if result.Count == 0 {
		fmt.Println("No listings.")
		return
	}
	for _, l := range result.Listings {
		printListingLine(l)
	}
}

// ── submit ──────────────────────────────────────────────────────────────

func cmdSubmit(c *client, args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	file := fs.String("file", "", "Path to submission JSON file")
	fs.Parse(args)

	if *file == "" {
		fatal("Usage: dutch-cli submit --file <submission.json>")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		fatal("read submission file: %v", err)
	}
	var body json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		fatal("invalid submission JSON: %v", err)
	}

	if c.key == "" {
		key, err := readSecret("API key: ")
		if err != nil {
			fatal("read API key: %v", err)
		}
		c.key = string(key)
	}

	var created listing.Listing
	if err := c.post("/listings", body, &created); err != nil {
		fatal("submit: %v", err)
	}

	fmt.Printf("Listing admitted!\n")
	fmt.Printf("  ID:     %d\n", created.ID)
	fmt.Printf("  Asset:  %s x %s\n", created.AssetName, created.AssetQty)
	fmt.Printf("  UTXO:   %s:%d\n", created.UtxoTxID, created.UtxoVout)
	fmt.Printf("  Blocks: %d - %d\n", created.StartBlock, created.EndBlock)
	fmt.Println("\nThe auction activates when the chain reaches the start block.")
	fmt.Printf("Use 'dutch-cli listing %d' to track it.\n", created.ID)
}

// ── utxo ────────────────────────────────────────────────────────────────

// cmdUTXO answers "is this outpoint auctionable": it asks bitcoind and
// the Counterparty indexer directly, using the daemon's config, then
// shows any listing pinned to the outpoint.
func cmdUTXO(c *client, cfg *config.Config, args []string) {
	if len(args) < 1 {
		fatal("Usage: dutch-cli utxo <txid:vout>")
	}
	op, err := types.ParseOutpoint(args[0])
	if err != nil {
		fatal("invalid outpoint: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("Outpoint: %s\n\n", op)

	btc := bitcoin.New(cfg.Bitcoin.URL(), cfg.Bitcoin.User, cfg.Bitcoin.Password)
	out, err := btc.UTXO(ctx, op)
	switch {
	case errors.Is(err, oracle.ErrUTXOMissing):
		fmt.Println("Bitcoin:  output is spent or does not exist")
	case err != nil:
		fmt.Printf("Bitcoin:  unavailable (%v)\n", err)
	default:
		fmt.Printf("Bitcoin:  unspent, %s, %d confirmations\n", formatSats(out.Value), out.Confirmations)
		if out.Address != "" {
			fmt.Printf("          address %s\n", out.Address)
		}
	}

	cp := counterparty.New(cfg.Counterparty.URL())
	balances, err := cp.Balances(ctx, op)
	switch {
	case err != nil:
		fmt.Printf("Assets:   unavailable (%v)\n", err)
	case len(balances) == 0:
		fmt.Println("Assets:   none attached")
	default:
		for i, b := range balances {
			label := "Assets:  "
			if i > 0 {
				label = "         "
			}
			kind := "indivisible"
			if b.Divisible {
				kind = "divisible"
			}
			fmt.Printf("%s %s x %s (%s)\n", label, b.Asset, b.Quantity, kind)
		}
		if len(balances) != 1 {
			fmt.Println("          -> multi-asset outpoints are not admissible")
		}
	}

	var result listingsResult
	if err := c.get("/listings", &result); err != nil {
		fmt.Printf("Broker:   unavailable (%v)\n", err)
		return
	}
	found := false
	for _, l := range result.Listings {
		if l.Outpoint() != op {
			continue
		}
		found = true
		fmt.Println("Broker:   pinned by listing")
		printListingLine(l)
		if !l.Status.Terminal() {
			fmt.Println("          -> outpoint is locked until this listing reaches a terminal state")
		}
	}
	if !found {
		fmt.Println("Broker:   no listing watches this outpoint")
	}
}

// ── HTTP helper ─────────────────────────────────────────────────────────

type client struct {
	base string
	key  string
	http *http.Client
}

func (c *client) get(path string, target interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, target)
}

func (c *client) post(path string, body json.RawMessage, target interface{}) error {
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.key)
	return c.do(req, target)
}

func (c *client) do(req *http.Request, target interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if target == nil {
		return nil
	}
	return json.Unmarshal(data, target)
}

// ── Formatting helpers ──────────────────────────────────────────────────

// formatSats renders a satoshi amount as "<sats> sat (<btc> BTC)".
func formatSats(sats uint64) string {
	amt := btcutil.Amount(sats)
	return fmt.Sprintf("%d sat (%s)", sats, amt.String())
}

func short(txid string) string {
	if len(txid) <= 16 {
		return txid
	}
	return txid[:16] + "..."
}

// ── Secret helper ───────────────────────────────────────────────────────

// readSecret prompts without echo on a terminal; piped stdin reads one
// line so scripted submissions keep working.
func readSecret(prompt string) ([]byte, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		return []byte(strings.TrimRight(line, "\r\n")), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
