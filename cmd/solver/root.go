package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "seda-solver",
	Short: "Posts DataRequests to SEDA and pushes results to EVM chains",
	Long: `seda-solver periodically submits DataRequests to the SEDA chain,
waits for the oracle results, and delivers finalized results to every
configured EVM destination chain.

All configuration comes from the environment. The minimum is a funded
SEDA account and an oracle program:

  SEDA_MNEMONIC="..." SEDA_ORACLE_PROGRAM_ID="..." seda-solver

Destination chains are declared by prefix, for example:

  BASE_RPC_URL=https://mainnet.base.org
  BASE_CONTRACT_ADDRESS=0x...
  BASE_CHAIN_ID=8453
  EVM_PRIVATE_KEY=...`,
	SilenceUsage: true,
	RunE:         runSolver,
}
