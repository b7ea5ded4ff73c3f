// cmd/deploy/main.go deploys a pegged-token contract for test networks.
//
// The creation code comes from a Foundry artifact, or from the bundled
// test-network token when --artifact is "builtin". The deployer becomes the
// token owner and may mint.
//
// Usage:
//
//	go run ./cmd/deploy/ --rpc <url> --key <hex> --chain-id <id> [--kind A] [--artifact <path>|builtin] [--mint <amount>]
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/0gfoundation/0g-voucher/internal/chain"
	"github.com/0gfoundation/0g-voucher/internal/config"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

func main() {
	rpcURL := flag.String("rpc", "https://evmrpc-testnet.0g.ai", "EVM RPC endpoint")
	keyHex := flag.String("key", "", "deployer private key (hex, with or without 0x)")
	chainID := flag.Int64("chain-id", 16602, "chain ID")
	kindFlag := flag.String("kind", "A", "token kind the contract backs (A, B or C)")
	artifact := flag.String("artifact", "contracts/out/PegToken.sol/PegToken.json", `Foundry artifact, or "builtin"`)
	mint := flag.String("mint", "", "amount to mint to the deployer after deployment")
	flag.Parse()

	if *keyHex == "" {
		fail("--key is required")
	}
	kind, err := voucher.ParseTokenKind(*kindFlag)
	if err != nil {
		fail("%v", err)
	}

	// ── private key ───────────────────────────────────────────────────────────
	privKey, err := config.ChainConfig{CreatorPrivateKey: *keyHex}.CreatorKey()
	if err != nil {
		fail("%v", err)
	}
	deployer := crypto.PubkeyToAddress(privKey.PublicKey)
	fmt.Printf("Deployer : %s\n", deployer.Hex())

	// ── chain client ──────────────────────────────────────────────────────────
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	eth, err := ethclient.DialContext(ctx, *rpcURL)
	if err != nil {
		fail("dial rpc: %v", err)
	}

	// ── transactor ────────────────────────────────────────────────────────────
	auth, err := bind.NewKeyedTransactorWithChainID(privKey, big.NewInt(*chainID))
	if err != nil {
		fail("transactor: %v", err)
	}
	auth.Context = ctx

	bytecode, err := loadBytecode(*artifact)
	if err != nil {
		fail("%v", err)
	}

	// ── deploy ────────────────────────────────────────────────────────────────
	fmt.Printf("\nDeploying PegToken for kind %s (chainID=%d)...\n", kind, *chainID)
	tokenAddr, tx, _, err := chain.DeployPegToken(auth, eth, bytecode, deployer)
	if err != nil {
		fail("deploy: %v", err)
	}
	fmt.Printf("  Tx hash : %s\n", tx.Hash().Hex())
	receipt, err := bind.WaitMined(ctx, eth, tx)
	if err != nil {
		fail("wait mined: %v", err)
	}
	if receipt.Status == 0 {
		fail("deploy tx reverted")
	}
	fmt.Printf("  Token   : %s\n", tokenAddr.Hex())

	// ── optional mint ─────────────────────────────────────────────────────────
	if *mint != "" {
		ledger := chain.NewClientWithBackend(eth, big.NewInt(*chainID), map[voucher.TokenKind]common.Address{kind: tokenAddr})
		decimals, err := ledger.Decimals(ctx, kind)
		if err != nil {
			fail("decimals: %v", err)
		}
		amount, err := voucher.ToBaseUnits(*mint, decimals)
		if err != nil {
			fail("--mint: %v", err)
		}
		rcpt, err := ledger.Mint(ctx, privKey, kind, deployer, amount)
		if err != nil {
			fail("mint: %v", err)
		}
		fmt.Printf("  Minted  : %s to %s (tx %s)\n", voucher.FromBaseUnits(amount, decimals), deployer.Hex(), rcpt.TxHash.Hex())
	}

	// ── Summary ───────────────────────────────────────────────────────────────
	fmt.Printf(`
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
DEPLOY COMPLETE
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
PegToken (%s) : %s
Owner         : %s

Set in .env:
  TOKEN_%s_ADDRESS=%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, kind, tokenAddr.Hex(), deployer.Hex(), kind, tokenAddr.Hex())
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// loadBytecode reads creation code from a Foundry artifact.
func loadBytecode(artifactPath string) ([]byte, error) {
	if artifactPath == "builtin" {
		return chain.PegTokenTestBytecode(), nil
	}
	raw, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", artifactPath, err)
	}
	var artifact struct {
		Bytecode struct {
			Object string `json:"object"`
		} `json:"bytecode"`
	}
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", artifactPath, err)
	}
	b, err := hex.DecodeString(strings.TrimPrefix(artifact.Bytecode.Object, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode bytecode %s: %w", artifactPath, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("artifact %s has no bytecode", artifactPath)
	}
	return b, nil
}
